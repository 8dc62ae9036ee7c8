package edgecache

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. CLI flags may override
// individual fields before a snapshot is taken.
type Config struct {
	Port     int    `yaml:"port"`
	Hostname string `yaml:"hostname"`
	Origin   string `yaml:"origin"`

	Provider string `yaml:"provider"`
	DBFile   string `yaml:"db-file"`

	EnablePurge         bool `yaml:"enable-purge"`
	CollapsedForwarding bool `yaml:"collapsed-forwarding"`
	FailOnValidationErr bool `yaml:"fail-on-validation-error"`
	OfflineMode         bool `yaml:"offline-mode"`
	ActAsOrigin         bool `yaml:"act-as-origin"`
	ConnectionAuth      bool `yaml:"connection-auth"`

	// PeerLogin mirrors the upstream peer login mode; the values
	// "PASS" and "PASSTHRU" let Proxy-Authenticate through on hits.
	PeerLogin string `yaml:"peer-login"`

	NegativeTTL      string `yaml:"negative-ttl"`
	MaxReplyBodySize int64  `yaml:"max-reply-body-size"`

	// Persistent connection switches; nil means enabled.
	ClientPconns *bool `yaml:"client-pconns"`
	ErrorPconns  *bool `yaml:"error-pconns"`

	HeuristicFraction float64 `yaml:"heuristic-fraction"`
	HeuristicMax      string  `yaml:"heuristic-max"`

	RefreshRules []RefreshRuleConfig `yaml:"refresh-rules"`

	// ReplyAccess names the ACL list evaluated against outgoing
	// replies; empty means allow all.
	ReplyAccess string `yaml:"reply-access"`

	Redis RedisConfig `yaml:"redis"`
}

// RefreshRuleConfig is one refresh rule: entries whose URL matches the
// pattern get the given freshness bounds when the origin supplied no
// explicit expiry.
type RefreshRuleConfig struct {
	Pattern string  `yaml:"pattern"`
	Min     string  `yaml:"min"`
	Percent float64 `yaml:"percent"`
	Max     string  `yaml:"max"`
}

// RedisConfig locates the purge broadcast channel.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// LoadConfig reads a yaml config file.
func LoadConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// RefreshRule is a compiled refresh rule.
type RefreshRule struct {
	Pattern *regexp.Regexp
	Min     time.Duration
	Percent float64
	Max     time.Duration
}

// ConfigSnapshot is the immutable view handed to each reply state at
// construction. Reloading config produces a new snapshot; in-flight
// states keep the one they started with.
type ConfigSnapshot struct {
	Hostname            string
	Via                 string
	EnablePurge         bool
	CollapsedForwarding bool
	FailOnValidationErr bool
	OfflineMode         bool
	ActAsOrigin         bool
	ConnectionAuth      bool
	PeerLoginPass       bool
	NegativeTTL         time.Duration
	MaxReplyBodySize    int64
	ClientPconns        bool
	ErrorPconns         bool
	HeuristicFraction   float64
	HeuristicMax        time.Duration
	RefreshRules        []RefreshRule
	ReplyAccess         string
}

// Snapshot validates the config and freezes it.
func (c Config) Snapshot() (ConfigSnapshot, error) {
	s := ConfigSnapshot{
		Hostname:            c.Hostname,
		EnablePurge:         c.EnablePurge,
		CollapsedForwarding: c.CollapsedForwarding,
		FailOnValidationErr: c.FailOnValidationErr,
		OfflineMode:         c.OfflineMode,
		ActAsOrigin:         c.ActAsOrigin,
		ConnectionAuth:      c.ConnectionAuth,
		PeerLoginPass:       c.PeerLogin == "PASS" || c.PeerLogin == "PASSTHRU",
		MaxReplyBodySize:    c.MaxReplyBodySize,
		ClientPconns:        c.ClientPconns == nil || *c.ClientPconns,
		ErrorPconns:         c.ErrorPconns == nil || *c.ErrorPconns,
		HeuristicFraction:   c.HeuristicFraction,
		ReplyAccess:         c.ReplyAccess,
	}
	if s.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "edgecache"
		}
		s.Hostname = hostname
	}
	s.Via = "1.1 " + s.Hostname + " (edgecache)"
	if s.HeuristicFraction <= 0 {
		s.HeuristicFraction = 0.1
	}
	var err error
	if s.NegativeTTL, err = parseDuration(c.NegativeTTL, 5*time.Minute); err != nil {
		return s, fmt.Errorf("negative-ttl: %w", err)
	}
	if s.HeuristicMax, err = parseDuration(c.HeuristicMax, 24*time.Hour); err != nil {
		return s, fmt.Errorf("heuristic-max: %w", err)
	}
	for _, rc := range c.RefreshRules {
		pattern, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return s, fmt.Errorf("refresh rule %q: %w", rc.Pattern, err)
		}
		rule := RefreshRule{Pattern: pattern, Percent: rc.Percent}
		if rule.Min, err = parseDuration(rc.Min, 0); err != nil {
			return s, fmt.Errorf("refresh rule %q min: %w", rc.Pattern, err)
		}
		if rule.Max, err = parseDuration(rc.Max, 0); err != nil {
			return s, fmt.Errorf("refresh rule %q max: %w", rc.Pattern, err)
		}
		s.RefreshRules = append(s.RefreshRules, rule)
	}
	return s, nil
}

func parseDuration(str string, fallback time.Duration) (time.Duration, error) {
	if str == "" {
		return fallback, nil
	}
	return time.ParseDuration(str)
}
