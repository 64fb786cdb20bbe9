// File: client/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/momentics/hioload-net/api"
)

// Config holds all client-side configuration parameters.
type Config struct {
	Address            string       `toml:"address"` // "host:port"
	TLS                bool         `toml:"tls"`
	ServerName         string       `toml:"server_name"` // defaults to the host of Address
	CAFile             string       `toml:"ca_file"`     // PEM roots, system pool when empty
	InsecureSkipVerify bool         `toml:"insecure_skip_verify"`
	ResolveTimeout     api.Duration `toml:"resolve_timeout"`
	ConnectTimeout     api.Duration `toml:"connect_timeout"`
	HandshakeTimeout   api.Duration `toml:"handshake_timeout"`
	IdleTimeout        api.Duration `toml:"idle_timeout"`
	LingerTimeout      api.Duration `toml:"linger_timeout"`
	Retries            int          `toml:"retries"` // extra connect attempts
	RetryMin           api.Duration `toml:"retry_min"`
	RetryMax           api.Duration `toml:"retry_max"`
	NoDelay            bool         `toml:"no_delay"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ResolveTimeout:   api.Duration(5 * time.Second),
		ConnectTimeout:   api.Duration(10 * time.Second),
		HandshakeTimeout: api.Duration(10 * time.Second),
		LingerTimeout:    api.Duration(5 * time.Second),
		Retries:          0,
		RetryMin:         api.Duration(100 * time.Millisecond),
		RetryMax:         api.Duration(5 * time.Second),
		NoDelay:          true,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("client config: address %q: %w", c.Address, api.ErrInvalidArgument)
	}
	if c.Retries < 0 {
		return fmt.Errorf("client config: negative retries: %w", api.ErrInvalidArgument)
	}
	return nil
}

// tlsConfig builds the client TLS configuration on top of base.
func (c *Config) tlsConfig(base *tls.Config) (*tls.Config, error) {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.ServerName
	}
	if cfg.ServerName == "" {
		host, _, _ := net.SplitHostPort(c.Address)
		cfg.ServerName = host
	}
	if c.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, err
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s: %w", c.CAFile, api.ErrInvalidArgument)
		}
		cfg.RootCAs = roots
	}
	return cfg, nil
}
