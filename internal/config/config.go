// Package config is responsible for parsing configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"gopkg.in/yaml.v3"
)

// actionRelay is the action name for domain-rules.
const actionRelay = "relay"

// File represents a configuration file.
type File struct {
	// DNS is the DNS server section of the configuration file. If not
	// specified, the DNS server will not be started.
	DNS *DNS `yaml:"dns"`

	// Relay is the SNI relay server section of the configuration file. Must be
	// specified.
	Relay *Relay `yaml:"relay"`

	// Resolver controls how the relay resolves server names to backend
	// addresses.  If not specified, the system resolver is used.
	Resolver *Resolver `yaml:"resolver"`

	// Prometheus
	Prometheus *Prometheus `yaml:"prometheus"`

	// DomainRules is the map that controls what the relay does with the
	// domains. The key of this map is a wildcard and the value is the action.
	//
	// If DomainRules is empty, the relay accepts connections for any server
	// name.  Otherwise, connections for domains that are not listed will not
	// be accepted.
	//
	// If the action is "relay" then the DNS server will respond to A/AAAA
	// queries and re-route traffic to the relay server. HTTPS queries will be
	// suppressed in this case.
	DomainRules map[string]string `yaml:"domain-rules"`
}

// Prometheus represents the prometheus configuration.
type Prometheus struct {
	// Addr is the address where prometheus metrics are exposed.
	Addr string `yaml:"addr"`

	// Port is the port where prometheus metrics will be exposed.
	Port uint16 `yaml:"port"`
}

// Load loads and validates configuration from the specified file.
func Load(path string) (cfg *File, err error) {
	// Ignore G304 here as it's trusted context.
	//nolint:gosec
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(b)
}

// Parse parses and validates the YAML configuration in b.
func Parse(b []byte) (cfg *File, err error) {
	cfg = &File{}
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	err = validate(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to validate config file: %w", err)
	}

	return cfg, nil
}

func validate(cfg *File) (err error) {
	if cfg.Relay == nil {
		return errors.Error("no relay configured")
	}

	for k, v := range cfg.DomainRules {
		if v != actionRelay {
			return fmt.Errorf("invalid action %q for domain rule %q", v, k)
		}
	}

	if cfg.DNS != nil {
		err = validateDNS(cfg.DNS)
		if err != nil {
			return err
		}

		if len(cfg.DomainRules) == 0 {
			return errors.Error("dns requires domain-rules")
		}
	}

	return nil
}

// validateDNS checks the required fields of the DNS section.
func validateDNS(dns *DNS) (err error) {
	if dns.ListenAddr == "" {
		return errors.Error("dns.listen-addr is required")
	}

	if dns.RedirectAddrV4 == "" {
		return errors.Error("dns.redirect-addr-v4 is required")
	}

	if dns.UpstreamAddr == "" {
		return errors.Error("dns.upstream-addr is required")
	}

	if dns.PlainPort == 0 &&
		dns.TLSPort == 0 &&
		dns.HTTPSPort == 0 &&
		dns.QUICPort == 0 {
		return errors.Error("at least one of dns ports must be configured")
	}

	if dns.TLSPort > 0 ||
		dns.QUICPort > 0 ||
		dns.HTTPSPort > 0 {
		if dns.TLSCertPath == "" || dns.TLSKeyPath == "" {
			return errors.Error("missing tls configuration")
		}
	}

	return nil
}

// redirectDomains returns the wildcards of the domain rules with the relay
// action.
func (f *File) redirectDomains() (domains []string) {
	for k, v := range f.DomainRules {
		if v == actionRelay {
			domains = append(domains, k)
		}
	}

	return domains
}
