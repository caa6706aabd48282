package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/osprey-sec/osprey/pkg/oserr"
)

// Profile is the optional per-target declarative profile passed with
// --config. It feeds prompt assembly (auth hints, rules) and the tool
// registry (remote tool servers). A run without a profile uses
// DefaultProfile().
type Profile struct {
	Target      TargetProfile      `yaml:"target,omitempty"`
	Auth        AuthProfile        `yaml:"auth,omitempty"`
	Rules       []string           `yaml:"rules,omitempty"`
	Headers     map[string]string  `yaml:"headers,omitempty"`
	ToolServers []ToolServerConfig `yaml:"tool_servers,omitempty"`
}

// TargetProfile carries optional display metadata about the target.
type TargetProfile struct {
	Name  string `yaml:"name,omitempty"`
	Notes string `yaml:"notes,omitempty"`
}

// AuthProfile points at credentials without embedding them: *_env fields name
// environment variables resolved at use time.
type AuthProfile struct {
	LoginURL      string `yaml:"login_url,omitempty"`
	UsernameEnv   string `yaml:"username_env,omitempty"`
	PasswordEnv   string `yaml:"password_env,omitempty"`
	TOTPSecretEnv string `yaml:"totp_secret_env,omitempty"`
}

// ToolServerConfig declares one remote tool-server endpoint.
type ToolServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // "stdio" or "http"

	// stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// http transport
	URL         string `yaml:"url,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty"`
	Timeout     int    `yaml:"timeout,omitempty"` // seconds; 0 = default
}

// DefaultProfile returns the built-in profile used when --config is absent.
func DefaultProfile() *Profile {
	return &Profile{
		Headers: map[string]string{},
	}
}

// LoadProfile reads, env-expands, parses, and validates a profile YAML,
// overlaying it on the built-in defaults so unset fields keep defaults.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oserr.Config("cannot read profile %s: %v", path, err)
	}
	data = ExpandEnv(data)

	var loaded Profile
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, oserr.Config("invalid profile YAML %s: %v", path, err)
	}

	profile := DefaultProfile()
	if err := mergo.Merge(profile, &loaded, mergo.WithOverride); err != nil {
		return nil, oserr.Config("cannot merge profile %s: %v", path, err)
	}
	if err := profile.validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

func (p *Profile) validate() error {
	seen := map[string]bool{}
	for i, ts := range p.ToolServers {
		if ts.Name == "" {
			return oserr.Config("tool_servers[%d]: name is required", i)
		}
		if seen[ts.Name] {
			return oserr.Config("tool_servers[%d]: duplicate name %q", i, ts.Name)
		}
		seen[ts.Name] = true
		switch ts.Transport {
		case "stdio":
			if ts.Command == "" {
				return oserr.Config("tool server %q: stdio transport requires command", ts.Name)
			}
		case "http":
			if ts.URL == "" {
				return oserr.Config("tool server %q: http transport requires url", ts.Name)
			}
		default:
			return oserr.Config("tool server %q: unknown transport %q (want stdio or http)", ts.Name, ts.Transport)
		}
	}
	return nil
}

// String renders a short profile summary for logs.
func (p *Profile) String() string {
	return fmt.Sprintf("profile{target=%s rules=%d tool_servers=%d}",
		p.Target.Name, len(p.Rules), len(p.ToolServers))
}
