package version

// Current is the release version, without a "v" prefix.
const Current = "0.1.0"

// UserAgent identifies this module in outbound requests.
func UserAgent() string {
	return "structured-extract/" + Current
}
