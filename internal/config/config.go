// Package config loads and validates the hosts file describing the testbed.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"github.com/wlantb/wtb/internal/errors"
)

// DefaultHostsFile is the hosts file used when --hosts is not given.
const DefaultHostsFile = "hosts.yaml"

// Config is the complete hosts file.
type Config struct {
	Hosts []HostConfig `yaml:"hosts" mapstructure:"hosts"`

	// DialTimeout bounds each SSH connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
}

// HostConfig describes a single testbed machine.
type HostConfig struct {
	// ID identifies the host in experiments. Must be unique across hosts.
	// Can be different from the hostname of the system.
	ID string `yaml:"id" mapstructure:"id"`

	// SSH is the connection string for the host: alias, hostname,
	// user@hostname, or hostname:port. If relays are set, this must be the
	// address reachable from the last relay.
	SSH string `yaml:"ssh" mapstructure:"ssh"`

	// Relays are SSH hosts to jump through, first entry dialed first.
	Relays []string `yaml:"relays" mapstructure:"relays"`

	// WifiDriver is the wireless driver of the host's Wi-Fi interface
	// (e.g. "iwlwifi"). Needed on monitor hosts for AID assignment.
	WifiDriver string `yaml:"wifi_driver" mapstructure:"wifi_driver"`

	// Interface is the name of the main measurement interface on this host.
	Interface string `yaml:"interface" mapstructure:"interface"`

	// MonitorExcluded keeps the host out of "all hosts" traffic generation
	// when it has a dedicated role (e.g. the AP itself).
	MonitorExcluded bool `yaml:"monitor_excluded" mapstructure:"monitor_excluded"`
}

// Load reads a hosts file and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("dial_timeout", "10s")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Hosts file not found: "+path,
				"Create a hosts.yaml or point at one with --hosts")
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read hosts file: "+path,
			"Check the file exists and is valid YAML")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid hosts file format",
			"Check the YAML syntax in "+path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make registry construction
// ambiguous: empty or duplicate host ids, missing connection strings.
func (c *Config) Validate() error {
	if len(c.Hosts) == 0 {
		return errors.New(errors.ErrConfig,
			"Hosts file defines no hosts",
			"Add at least one entry under 'hosts:'")
	}

	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.ID == "" {
			return errors.New(errors.ErrConfig,
				"Host entry with empty id",
				"Every host needs a unique 'id'")
		}
		if seen[h.ID] {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Duplicate host id: '%s'", h.ID),
				"Host ids must be unique across the hosts file")
		}
		seen[h.ID] = true

		if h.SSH == "" {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Host '%s' has no ssh connection string", h.ID),
				"Set 'ssh:' to an alias, hostname or user@hostname")
		}
	}
	return nil
}
