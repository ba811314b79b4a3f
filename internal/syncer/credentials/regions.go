package credentials

import (
	"fmt"
	"strings"
)

// Endpoints are the base URLs derived from a region.
type Endpoints struct {
	AuthBaseURL string `json:"authBaseUrl"`
	APIBaseURL  string `json:"apiBaseUrl"`
}

// regionTLDs maps the accepted region spellings to the directory top-level domain.
var regionTLDs = map[string]string{
	"NA":           "com",
	"US":           "com",
	"NORTHAMERICA": "com",
	"EU":           "eu",
	"EUROPE":       "eu",
	"CA":           "ca",
	"CANADA":       "ca",
	"AP":           "asia",
	"AU":           "asia",
	"ASIA":         "asia",
	"ASIAPACIFIC":  "asia",
}

// ResolveRegion maps a region name to its auth and API base URLs.
func ResolveRegion(region string) (Endpoints, error) {
	key := strings.ToUpper(strings.NewReplacer(" ", "", "-", "", "_", "").Replace(strings.TrimSpace(region)))
	if key == "" {
		key = "NA"
	}
	tld, ok := regionTLDs[key]
	if !ok {
		return Endpoints{}, fmt.Errorf("unknown region %q", region)
	}
	return Endpoints{
		AuthBaseURL: "https://auth.pingone." + tld,
		APIBaseURL:  "https://api.pingone." + tld + "/v1",
	}, nil
}

// TokenURL returns the client-credentials token endpoint for an environment.
func (e Endpoints) TokenURL(environmentID string) string {
	return strings.TrimSuffix(e.AuthBaseURL, "/") + "/" + environmentID + "/as/token"
}
