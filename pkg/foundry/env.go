package foundry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrNotConfigured is returned by LoadEnv when no Foundry endpoint is set.
	ErrNotConfigured = errors.New("foundry is not configured: set FOUNDRY_SERVICE_DISCOVERY_V2 or FOUNDRY_URL")
	// ErrInvalidUpload marks uploads rejected before any request is made.
	ErrInvalidUpload = errors.New("invalid upload")
)

const defaultBranch = "master"

// DatasetRef identifies a dataset RID and branch.
type DatasetRef struct {
	RID    string
	Branch string
}

// Env is what publishing to Foundry needs from the environment.
type Env struct {
	APIGateway string
	// DefaultCAPath is a PEM bundle trusted for TLS. Compute modules
	// provide it via DEFAULT_CA_PATH.
	DefaultCAPath string
	Token         string
	Aliases       map[string]DatasetRef
}

// LoadEnv reads the Foundry endpoint and credentials.
//
// Endpoint: FOUNDRY_SERVICE_DISCOVERY_V2 (YAML file) or FOUNDRY_URL.
// Token: FOUNDRY_TOKEN, or BUILD2_TOKEN naming a file that holds it.
// RESOURCE_ALIAS_MAP optionally names a JSON file mapping aliases to datasets.
func LoadEnv() (Env, error) {
	apiGateway, err := loadAPIGatewayFromEnv()
	if err != nil {
		return Env{}, err
	}
	token, err := loadToken()
	if err != nil {
		return Env{}, err
	}
	var aliases map[string]DatasetRef
	if p := strings.TrimSpace(os.Getenv("RESOURCE_ALIAS_MAP")); p != "" {
		aliases, err = readAliasMap(p)
		if err != nil {
			return Env{}, err
		}
	}
	return Env{
		APIGateway:    apiGateway,
		DefaultCAPath: strings.TrimSpace(os.Getenv("DEFAULT_CA_PATH")),
		Token:         token,
		Aliases:       aliases,
	}, nil
}

// Resolve turns an alias or a dataset RID into a DatasetRef. An explicit
// branch wins over the alias branch; the default branch is master.
func (e Env) Resolve(ref, branch string) (DatasetRef, error) {
	ref = strings.TrimSpace(ref)
	branch = strings.TrimSpace(branch)
	if ref == "" {
		return DatasetRef{}, fmt.Errorf("%w: dataset is required", ErrInvalidUpload)
	}
	out, ok := e.Aliases[ref]
	if !ok {
		if !strings.HasPrefix(ref, "ri.") {
			return DatasetRef{}, fmt.Errorf("%w: unknown dataset alias %q", ErrInvalidUpload, ref)
		}
		out = DatasetRef{RID: ref}
	}
	if branch != "" {
		out.Branch = branch
	}
	if out.Branch == "" {
		out.Branch = defaultBranch
	}
	return out, nil
}

func loadAPIGatewayFromEnv() (string, error) {
	if p := strings.TrimSpace(os.Getenv("FOUNDRY_SERVICE_DISCOVERY_V2")); p != "" {
		return loadAPIGatewayFromDiscoveryFile(p)
	}
	foundryURL := strings.TrimSpace(os.Getenv("FOUNDRY_URL"))
	if foundryURL == "" {
		return "", ErrNotConfigured
	}
	if !strings.Contains(foundryURL, "://") {
		foundryURL = "https://" + foundryURL
	}
	return strings.TrimRight(foundryURL, "/") + "/api", nil
}

func loadToken() (string, error) {
	if tok := strings.TrimSpace(os.Getenv("FOUNDRY_TOKEN")); tok != "" {
		return tok, nil
	}
	path := strings.TrimSpace(os.Getenv("BUILD2_TOKEN"))
	if path == "" {
		return "", fmt.Errorf("FOUNDRY_TOKEN or BUILD2_TOKEN is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read BUILD2_TOKEN file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", fmt.Errorf("BUILD2_TOKEN file is empty")
	}
	return tok, nil
}

type aliasEntry struct {
	RID    string  `json:"rid"`
	Branch *string `json:"branch"`
}

func readAliasMap(path string) (map[string]DatasetRef, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read RESOURCE_ALIAS_MAP file: %w", err)
	}
	var raw map[string]aliasEntry
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse RESOURCE_ALIAS_MAP JSON: %w", err)
	}
	out := make(map[string]DatasetRef, len(raw))
	for k, v := range raw {
		if strings.TrimSpace(v.RID) == "" {
			return nil, fmt.Errorf("alias %q: rid is required", k)
		}
		ref := DatasetRef{RID: strings.TrimSpace(v.RID)}
		if v.Branch != nil {
			ref.Branch = strings.TrimSpace(*v.Branch)
		}
		out[k] = ref
	}
	return out, nil
}
