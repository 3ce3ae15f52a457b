package version

import (
	"regexp"
	"strings"
	"testing"
)

func TestCurrentIsSemverWithoutVPrefix(t *testing.T) {
	semver := regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
	if !semver.MatchString(Current) {
		t.Fatalf("Current=%q must match <major>.<minor>.<patch>", Current)
	}
}

func TestUserAgentCarriesVersion(t *testing.T) {
	ua := UserAgent()
	if !strings.HasSuffix(ua, "/"+Current) || strings.ContainsAny(ua, " \t") {
		t.Fatalf("UserAgent()=%q", ua)
	}
}
