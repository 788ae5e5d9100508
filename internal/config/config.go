// Package config loads the YAML configuration shared by the client
// and server entrypoints.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written in a config file
// either as a plain Go duration string ("5m") or as a bare integer
// number of seconds.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or an integer number
// of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asSeconds int64
	if err := value.Decode(&asSeconds); err == nil {
		*d = Duration(time.Duration(asSeconds) * time.Second)
		return nil
	}

	var asString string
	if err := value.Decode(&asString); err != nil {
		return errors.New("config: duration must be a string like \"5m\" or a number of seconds")
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return errors.Wrap(err, "config: parsing duration")
	}
	*d = Duration(parsed)
	return nil
}

// AsDuration converts back to a standard time.Duration for use with
// the rest of the stdlib/time-based APIs.
func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// Client is the client entrypoint's configuration.
type Client struct {
	// Listen is the local SOCKS5 front-end address, e.g. "127.0.0.1:1080".
	Listen string `yaml:"listen"`
	// Remote is the server's "host:port" to dial over TLS.
	Remote string `yaml:"remote"`
	// Password authenticates this client to the server.
	Password string `yaml:"password"`
	// PaddingSchemeFile optionally overrides the built-in default
	// padding scheme. Empty means use the default.
	PaddingSchemeFile string `yaml:"padding_scheme_file"`
	// MinIdleSessions is the warm reserve the session pool tries to keep.
	MinIdleSessions int `yaml:"min_idle_sessions"`
	// IdleTimeout closes idle sessions that sit unused past this long.
	IdleTimeout Duration `yaml:"idle_timeout"`
	// InsecureSkipVerify disables server certificate verification, as
	// needed to reach a server using a self-signed certificate.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	// ServerName overrides the TLS SNI/verification name when set.
	ServerName string `yaml:"server_name"`
}

// Server is the server entrypoint's configuration.
type Server struct {
	// Listen is the TLS listen address, e.g. "0.0.0.0:8443".
	Listen string `yaml:"listen"`
	// Password authenticates incoming clients.
	Password string `yaml:"password"`
	// PaddingSchemeFile optionally overrides the built-in default
	// padding scheme advertised to clients.
	PaddingSchemeFile string `yaml:"padding_scheme_file"`
	// CertFile/KeyFile name an existing certificate pair. Leave both
	// empty to have the server mint a self-signed one at startup.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoadClient reads and parses a client configuration file.
func LoadClient(path string) (*Client, error) {
	var c Client
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	if c.Password == "" {
		return nil, errors.New("config: \"password\" is required")
	}
	if c.MinIdleSessions <= 0 {
		c.MinIdleSessions = 2
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = Duration(5 * time.Minute)
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:1080"
	}
	return &c, nil
}

// LoadServer reads and parses a server configuration file.
func LoadServer(path string) (*Server, error) {
	var c Server
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	if c.Password == "" {
		return nil, errors.New("config: \"password\" is required")
	}
	if c.Listen == "" {
		c.Listen = "0.0.0.0:8443"
	}
	return &c, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "config: reading file")
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "config: parsing yaml")
	}
	return nil
}
