// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/momentics/hioload-net/api"
)

// Duration decodes from strings such as "30s".
type Duration = api.Duration

// BindConfig describes one listening endpoint.
type BindConfig struct {
	Address  string `toml:"address"`   // "host:port"
	Host     string `toml:"host"`      // virtual host name, informational
	TLS      bool   `toml:"tls"`       // secure accepted connections
	CertFile string `toml:"cert_file"` // PEM certificate chain
	KeyFile  string `toml:"key_file"`  // PEM private key
	Backlog  int    `toml:"backlog"`   // 0 = SOMAXCONN
}

// Config holds all server-side configuration parameters.
type Config struct {
	Binds               []BindConfig `toml:"bind"`
	MaxConnections      int          `toml:"max_connections"`      // 0 = unlimited
	KeepAlive           int          `toml:"keep_alive"`           // extra requests per connection, -1 = unlimited
	IdleTimeout         Duration     `toml:"idle_timeout"`         // per-connection inactivity limit
	HandshakeTimeout    Duration     `toml:"handshake_timeout"`    // TLS handshake limit
	LingerTimeout       Duration     `toml:"linger_timeout"`       // graceful close drain limit
	MaintenanceInterval Duration     `toml:"maintenance_interval"` // idle sweep and deallocation period
	StallTimeout        Duration     `toml:"stall_timeout"`        // Unlisten upper bound
	NoDelay             bool         `toml:"no_delay"`
	TCPKeepAlive        bool         `toml:"tcp_keep_alive"`
	Linger              int          `toml:"linger"`      // SO_LINGER seconds, -1 = OS default
	AcceptRate          float64      `toml:"accept_rate"` // accepted connections per second, 0 = unlimited
	AcceptBurst         int          `toml:"accept_burst"`
	ReadSize            int          `toml:"read_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		KeepAlive:           100,
		IdleTimeout:         Duration(60 * time.Second),
		HandshakeTimeout:    Duration(10 * time.Second),
		LingerTimeout:       Duration(5 * time.Second),
		MaintenanceInterval: Duration(time.Second),
		StallTimeout:        Duration(5 * time.Second),
		NoDelay:             true,
		TCPKeepAlive:        true,
		Linger:              -1,
		AcceptBurst:         64,
		ReadSize:            16 << 10,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if len(c.Binds) == 0 {
		return fmt.Errorf("server config: no binds: %w", api.ErrInvalidArgument)
	}
	for i, b := range c.Binds {
		if b.Address == "" {
			return fmt.Errorf("server config: bind %d has no address: %w", i, api.ErrInvalidArgument)
		}
		if b.TLS && (b.CertFile == "" || b.KeyFile == "") {
			return fmt.Errorf("server config: bind %s needs cert_file and key_file: %w", b.Address, api.ErrInvalidArgument)
		}
	}
	if c.MaxConnections < 0 || c.AcceptRate < 0 {
		return fmt.Errorf("server config: negative limit: %w", api.ErrInvalidArgument)
	}
	return nil
}

// LoadConfig reads a TOML file on top of DefaultConfig. Unknown keys are
// reported through log and otherwise ignored.
func LoadConfig(path string, log api.Logger) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("server config %s: %w", path, err)
	}
	if log != nil {
		for _, key := range md.Undecoded() {
			log.Warn("server config: unknown key", "path", path, "key", key.String())
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
