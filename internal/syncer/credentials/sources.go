package credentials

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceName identifies where credentials were loaded from.
type SourceName string

const (
	SourceEnvironment  SourceName = "environment"
	SourceSettingsFile SourceName = "settingsFile"
)

var (
	// ErrIncomplete is returned by a source that lacks a required field.
	ErrIncomplete = errors.New("incomplete credentials")

	// ErrPlaceholder is returned by a source whose values are template placeholders.
	ErrPlaceholder = errors.New("placeholder credentials")
)

// Credentials are the client-credentials grant inputs.
type Credentials struct {
	ClientID      string
	ClientSecret  string
	EnvironmentID string
	Region        string
	PopulationID  string
	Source        SourceName
}

// SanitizedCredentials is the only credential view that leaves this package.
type SanitizedCredentials struct {
	ClientID      string     `json:"clientId"`
	ClientSecret  string     `json:"clientSecret"`
	EnvironmentID string     `json:"environmentId"`
	Region        string     `json:"region"`
	PopulationID  string     `json:"populationId,omitempty"`
	Source        SourceName `json:"source"`
}

// Sanitized masks the secret and most of the client id.
func (c *Credentials) Sanitized() SanitizedCredentials {
	return SanitizedCredentials{
		ClientID:      mask(c.ClientID, 4),
		ClientSecret:  mask(c.ClientSecret, 0),
		EnvironmentID: c.EnvironmentID,
		Region:        c.Region,
		PopulationID:  c.PopulationID,
		Source:        c.Source,
	}
}

func (c *Credentials) validate() error {
	var missing []string
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client id")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "client secret")
	}
	if strings.TrimSpace(c.EnvironmentID) == "" {
		missing = append(missing, "environment id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	for _, v := range []string{c.ClientID, c.ClientSecret, c.EnvironmentID} {
		if isPlaceholder(v) {
			return fmt.Errorf("%w: %q", ErrPlaceholder, mask(v, 4))
		}
	}
	return nil
}

// Source yields credentials or an error explaining why it cannot.
type Source interface {
	Name() SourceName
	Load() (*Credentials, error)
}

// EnvSource serves credentials already parsed from the process environment.
type EnvSource struct {
	ClientID      string
	ClientSecret  string
	EnvironmentID string
	Region        string
	PopulationID  string
}

func (s EnvSource) Name() SourceName { return SourceEnvironment }

func (s EnvSource) Load() (*Credentials, error) {
	c := &Credentials{
		ClientID:      strings.TrimSpace(s.ClientID),
		ClientSecret:  strings.TrimSpace(s.ClientSecret),
		EnvironmentID: strings.TrimSpace(s.EnvironmentID),
		Region:        strings.TrimSpace(s.Region),
		PopulationID:  strings.TrimSpace(s.PopulationID),
		Source:        SourceEnvironment,
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SettingsFileSource reads a persisted settings document. JSON files parse as YAML.
type SettingsFileSource struct {
	Path string
}

type settingsDocument struct {
	ClientID      string `yaml:"clientId"`
	APIClientID   string `yaml:"apiClientId"`
	ClientSecret  string `yaml:"clientSecret"`
	APISecret     string `yaml:"apiSecret"`
	EnvironmentID string `yaml:"environmentId"`
	Region        string `yaml:"region"`
	PopulationID  string `yaml:"populationId"`
}

func (s SettingsFileSource) Name() SourceName { return SourceSettingsFile }

func (s SettingsFileSource) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read settings file %s: %w", s.Path, err)
	}
	var doc settingsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", s.Path, err)
	}
	c := &Credentials{
		ClientID:      firstNonEmpty(doc.ClientID, doc.APIClientID),
		ClientSecret:  firstNonEmpty(doc.ClientSecret, doc.APISecret),
		EnvironmentID: strings.TrimSpace(doc.EnvironmentID),
		Region:        strings.TrimSpace(doc.Region),
		PopulationID:  strings.TrimSpace(doc.PopulationID),
		Source:        SourceSettingsFile,
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var placeholderPattern = regexp.MustCompile(`(?i)^(<.*>|\$\{.*\}|x{3,}|your[-_ ].*|change[-_ ]?me|placeholder|todo|example|null|undefined)$`)

func isPlaceholder(v string) bool {
	return placeholderPattern.MatchString(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func mask(v string, keep int) string {
	if v == "" {
		return ""
	}
	if keep <= 0 || len(v) <= keep {
		return "********"
	}
	return v[:keep] + strings.Repeat("*", 8)
}
