// Package config loads the chatgate configuration file. TOML and YAML are
// both accepted; unset fields take their values from Default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/marcelmariani/crm-platform-sub000/internal/dialogue"
	"github.com/marcelmariani/crm-platform-sub000/internal/identity"
	"github.com/marcelmariani/crm-platform-sub000/internal/inbound"
	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/paths"
	"github.com/marcelmariani/crm-platform-sub000/internal/session"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport/whatsapp"
)

// Config is the root of chatgate.toml.
type Config struct {
	Log      LogConfig        `toml:"log" yaml:"log"`
	HTTP     HTTPConfig       `toml:"http" yaml:"http"`
	Sessions SessionsConfig   `toml:"sessions" yaml:"sessions"`
	Identity IdentityConfig   `toml:"identity" yaml:"identity"`
	Inbound  InboundConfig    `toml:"inbound" yaml:"inbound"`
	Dialogue DialogueConfig   `toml:"dialogue" yaml:"dialogue"`
	Messages inbound.Messages `toml:"messages" yaml:"messages"`
	Report   ReportConfig     `toml:"report" yaml:"report"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level"` // trace, debug, info, warn, error
}

type HTTPConfig struct {
	Listen    string  `toml:"listen" yaml:"listen"`
	TokenHash string  `toml:"tokenHash" yaml:"tokenHash"` // bcrypt hash of the API bearer token; empty disables auth
	RateLimit float64 `toml:"rateLimit" yaml:"rateLimit"` // requests per second per client IP
	RateBurst int     `toml:"rateBurst" yaml:"rateBurst"`
}

type SessionsConfig struct {
	Dir              string   `toml:"dir" yaml:"dir"`
	FallbackVersion  string   `toml:"fallbackVersion" yaml:"fallbackVersion"`
	PairingTTL       Duration `toml:"pairingTTL" yaml:"pairingTTL"`
	PairingWait      Duration `toml:"pairingWait" yaml:"pairingWait"`
	LockPollInterval Duration `toml:"lockPollInterval" yaml:"lockPollInterval"`
	LockPollAttempts int      `toml:"lockPollAttempts" yaml:"lockPollAttempts"`
	RestartDelay     Duration `toml:"restartDelay" yaml:"restartDelay"`
	EventBuffer      int      `toml:"eventBuffer" yaml:"eventBuffer"`
	RestoreOnStart   *bool    `toml:"restoreOnStart" yaml:"restoreOnStart"`
	PrintQR          bool     `toml:"printQR" yaml:"printQR"`
	WatchDebounce    Duration `toml:"watchDebounce" yaml:"watchDebounce"`
}

type IdentityConfig struct {
	LookupURL   string   `toml:"lookupURL" yaml:"lookupURL"` // empty: cache and structural resolution only
	ByJIDPath   string   `toml:"byJIDPath" yaml:"byJIDPath"`
	ByPhonePath string   `toml:"byPhonePath" yaml:"byPhonePath"`
	Token       string   `toml:"token" yaml:"token"`
	Timeout     Duration `toml:"timeout" yaml:"timeout"`
	IDQuery     string   `toml:"idQuery" yaml:"idQuery"`
	NameQuery   string   `toml:"nameQuery" yaml:"nameQuery"`
	PhoneQuery  string   `toml:"phoneQuery" yaml:"phoneQuery"`

	CacheSize      int      `toml:"cacheSize" yaml:"cacheSize"`
	CacheTTL       Duration `toml:"cacheTTL" yaml:"cacheTTL"`
	PendingTTL     Duration `toml:"pendingTTL" yaml:"pendingTTL"`
	DefaultCountry string   `toml:"defaultCountry" yaml:"defaultCountry"`
	MinReplyDigits int      `toml:"minReplyDigits" yaml:"minReplyDigits"`
	MaxReplyDigits int      `toml:"maxReplyDigits" yaml:"maxReplyDigits"`
}

type InboundConfig struct {
	DedupSize   int      `toml:"dedupSize" yaml:"dedupSize"`
	DedupTTL    Duration `toml:"dedupTTL" yaml:"dedupTTL"`
	GreetWindow Duration `toml:"greetWindow" yaml:"greetWindow"`
	WelcomeSize int      `toml:"welcomeSize" yaml:"welcomeSize"`
	WelcomeTTL  Duration `toml:"welcomeTTL" yaml:"welcomeTTL"`
}

type DialogueConfig struct {
	URL          string   `toml:"url" yaml:"url"` // empty: resolved users get the greeting only
	Token        string   `toml:"token" yaml:"token"`
	Timeout      Duration `toml:"timeout" yaml:"timeout"`
	RepliesQuery string   `toml:"repliesQuery" yaml:"repliesQuery"`
}

type ReportConfig struct {
	Schedule string `toml:"schedule" yaml:"schedule"` // cron expression; "" disables the report
}

// Default returns the built-in configuration.
func Default() *Config {
	restore := true
	sess := session.DefaultConfig()
	id := identity.DefaultConfig()
	in := inbound.DefaultConfig()

	sessionsDir, err := paths.SessionsDir()
	if err != nil {
		sessionsDir = "sessions"
	}

	return &Config{
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Listen:    ":8080",
			RateLimit: 10,
			RateBurst: 20,
		},
		Sessions: SessionsConfig{
			Dir:              sessionsDir,
			FallbackVersion:  "2.3000.1023223821",
			PairingTTL:       Duration(sess.PairingTTL),
			PairingWait:      Duration(sess.PairingWait),
			LockPollInterval: Duration(sess.LockPollInterval),
			LockPollAttempts: sess.LockPollAttempts,
			RestartDelay:     Duration(sess.RestartDelay),
			EventBuffer:      sess.EventBuffer,
			RestoreOnStart:   &restore,
			WatchDebounce:    Duration(500 * time.Millisecond),
		},
		Identity: IdentityConfig{
			ByJIDPath:      "/identities/by-jid/{jid}",
			ByPhonePath:    "/identities/by-phone/{phone}",
			Timeout:        Duration(5 * time.Second),
			IDQuery:        ".id",
			NameQuery:      ".name",
			PhoneQuery:     ".phone",
			CacheSize:      id.CacheSize,
			CacheTTL:       Duration(id.CacheTTL),
			PendingTTL:     Duration(id.PendingTTL),
			DefaultCountry: id.DefaultCountry,
			MinReplyDigits: id.MinReplyDigits,
			MaxReplyDigits: id.MaxReplyDigits,
		},
		Inbound: InboundConfig{
			DedupSize:   in.DedupSize,
			DedupTTL:    Duration(in.DedupTTL),
			GreetWindow: Duration(in.GreetWindow),
			WelcomeSize: in.WelcomeSize,
			WelcomeTTL:  Duration(in.WelcomeTTL),
		},
		Dialogue: DialogueConfig{
			Timeout:      Duration(30 * time.Second),
			RepliesQuery: ".replies[]?",
		},
		Messages: inbound.DefaultMessages(),
		Report:   ReportConfig{Schedule: "@every 5m"},
	}
}

// Load reads the config at path. An empty path searches the default
// locations (see paths.ConfigPath); finding nothing yields Default().
// The returned string is the file actually used, or "".
func Load(path string) (*Config, string, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = found
	}

	cfg := &Config{}
	if path != "" {
		expanded, err := paths.ExpandTilde(path)
		if err != nil {
			return nil, "", err
		}
		path = expanded
		if err := decodeFile(path, cfg); err != nil {
			return nil, "", err
		}
		L_debug("config: loaded", "path", path)
	} else {
		L_debug("config: no config file found, using defaults")
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, "", fmt.Errorf("apply defaults: %w", err)
	}

	dir, err := paths.ExpandTilde(cfg.Sessions.Dir)
	if err != nil {
		return nil, "", err
	}
	cfg.Sessions.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (use .toml, .yaml or .yml)", filepath.Ext(path))
	}
	return nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	if c.Identity.MinReplyDigits > c.Identity.MaxReplyDigits {
		return fmt.Errorf("identity: minReplyDigits (%d) exceeds maxReplyDigits (%d)",
			c.Identity.MinReplyDigits, c.Identity.MaxReplyDigits)
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rateLimit must not be negative")
	}
	return nil
}

// ShouldRestore reports whether persisted sessions are rebuilt at startup.
func (s SessionsConfig) ShouldRestore() bool {
	return s.RestoreOnStart == nil || *s.RestoreOnStart
}

// Runtime converts the section into session.Config.
func (s SessionsConfig) Runtime() session.Config {
	return session.Config{
		PairingTTL:       s.PairingTTL.Std(),
		PairingWait:      s.PairingWait.Std(),
		LockPollInterval: s.LockPollInterval.Std(),
		LockPollAttempts: s.LockPollAttempts,
		RestartDelay:     s.RestartDelay.Std(),
		EventBuffer:      s.EventBuffer,
	}
}

// Transport converts the section into the whatsapp dialer config.
func (s SessionsConfig) Transport() whatsapp.Config {
	return whatsapp.Config{
		SessionsDir:     s.Dir,
		FallbackVersion: s.FallbackVersion,
	}
}

func (i IdentityConfig) Runtime() identity.Config {
	return identity.Config{
		CacheSize:      i.CacheSize,
		CacheTTL:       i.CacheTTL.Std(),
		PendingTTL:     i.PendingTTL.Std(),
		DefaultCountry: i.DefaultCountry,
		MinReplyDigits: i.MinReplyDigits,
		MaxReplyDigits: i.MaxReplyDigits,
	}
}

func (i IdentityConfig) Lookup() identity.HTTPLookupConfig {
	return identity.HTTPLookupConfig{
		BaseURL:     i.LookupURL,
		ByJIDPath:   i.ByJIDPath,
		ByPhonePath: i.ByPhonePath,
		Token:       i.Token,
		Timeout:     i.Timeout.Std(),
		IDQuery:     i.IDQuery,
		NameQuery:   i.NameQuery,
		PhoneQuery:  i.PhoneQuery,
	}
}

// Runtime combines the section with the user-facing texts.
func (n InboundConfig) Runtime(msgs inbound.Messages) inbound.Config {
	return inbound.Config{
		DedupSize:   n.DedupSize,
		DedupTTL:    n.DedupTTL.Std(),
		GreetWindow: n.GreetWindow.Std(),
		WelcomeSize: n.WelcomeSize,
		WelcomeTTL:  n.WelcomeTTL.Std(),
		Messages:    msgs,
	}
}

func (d DialogueConfig) Runtime() dialogue.HTTPConfig {
	return dialogue.HTTPConfig{
		URL:          d.URL,
		Token:        d.Token,
		Timeout:      d.Timeout.Std(),
		RepliesQuery: d.RepliesQuery,
	}
}
