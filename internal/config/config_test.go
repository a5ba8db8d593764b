package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadTOMLMergesDefaults(t *testing.T) {
	path := writeFile(t, "chatgate.toml", `
[log]
level = "debug"

[sessions]
dir = "/var/lib/chatgate"
pairingTTL = "90s"
restoreOnStart = false

[identity]
lookupURL = "http://crm.internal"
defaultCountry = "351"

[messages]
greeting = "Olá, {name}!"
`)
	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/chatgate", cfg.Sessions.Dir)
	assert.Equal(t, 90*time.Second, cfg.Sessions.PairingTTL.Std())
	assert.False(t, cfg.Sessions.ShouldRestore())
	assert.Equal(t, "351", cfg.Identity.DefaultCountry)
	assert.Equal(t, "Olá, {name}!", cfg.Messages.Greeting)

	def := Default()
	assert.Equal(t, def.Sessions.PairingWait, cfg.Sessions.PairingWait)
	assert.Equal(t, def.Sessions.LockPollAttempts, cfg.Sessions.LockPollAttempts)
	assert.Equal(t, def.HTTP.Listen, cfg.HTTP.Listen)
	assert.Equal(t, def.Identity.IDQuery, cfg.Identity.IDQuery)
	assert.Equal(t, def.Messages.AskPhone, cfg.Messages.AskPhone)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "chatgate.yaml", `
http:
  listen: "127.0.0.1:9000"
  rateLimit: 2.5
sessions:
  restartDelay: 1s
inbound:
  greetWindow: 10s
dialogue:
  url: http://bot.internal/turn
`)
	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Listen)
	assert.Equal(t, 2.5, cfg.HTTP.RateLimit)
	assert.Equal(t, time.Second, cfg.Sessions.RestartDelay.Std())
	assert.Equal(t, 10*time.Second, cfg.Inbound.GreetWindow.Std())
	assert.Equal(t, "http://bot.internal/turn", cfg.Dialogue.URL)
	assert.True(t, cfg.Sessions.ShouldRestore())
}

func TestLoadErrors(t *testing.T) {
	_, _, err := Load(writeFile(t, "chatgate.json", `{}`))
	assert.ErrorContains(t, err, "unsupported config format")

	_, _, err = Load(writeFile(t, "bad.toml", "[sessions]\npairingTTL = \"soon\"\n"))
	assert.Error(t, err)

	_, _, err = Load(writeFile(t, "level.toml", "[log]\nlevel = \"loud\"\n"))
	assert.ErrorContains(t, err, "log.level")

	_, _, err = Load(writeFile(t, "digits.toml", "[identity]\nminReplyDigits = 14\nmaxReplyDigits = 12\n"))
	assert.ErrorContains(t, err, "minReplyDigits")

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestRuntimeConversions(t *testing.T) {
	cfg := Default()
	sc := cfg.Sessions.Runtime()
	assert.Equal(t, 3*time.Minute, sc.PairingTTL)
	assert.Equal(t, 500*time.Millisecond, sc.LockPollInterval)
	assert.Equal(t, 20, sc.LockPollAttempts)

	ic := cfg.Inbound.Runtime(cfg.Messages)
	assert.Equal(t, 5*time.Second, ic.GreetWindow)
	assert.Equal(t, cfg.Messages, ic.Messages)

	lc := cfg.Identity.Lookup()
	assert.Equal(t, "/identities/by-phone/{phone}", lc.ByPhonePath)
	assert.Equal(t, ".replies[]?", cfg.Dialogue.Runtime().RepliesQuery)
	assert.Equal(t, cfg.Sessions.Dir, cfg.Sessions.Transport().SessionsDir)
}

func TestSaveKeepsBackupsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatgate.toml")
	cfg := Default()
	cfg.HTTP.Listen = ":9999"
	require.NoError(t, Save(path, cfg, 3))

	cfg.HTTP.Listen = ":7777"
	require.NoError(t, Save(path, cfg, 3))
	assert.FileExists(t, path+".bak")

	loaded, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", loaded.HTTP.Listen)
	assert.Equal(t, cfg.Sessions.PairingTTL, loaded.Sessions.PairingTTL)

	old, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Contains(t, string(old), `":9999"`)
}

func TestSaveYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatgate.yml")
	require.NoError(t, Save(path, Default(), 0))
	loaded, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Identity.CacheTTL, loaded.Identity.CacheTTL)
}
