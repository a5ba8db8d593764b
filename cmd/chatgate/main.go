// Command chatgate runs the per-tenant WhatsApp session gateway.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/marcelmariani/crm-platform-sub000/internal/config"
	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config   string `short:"c" help:"Config file (.toml, .yaml or .yml)." env:"CHATGATE_CONFIG" type:"path"`
	LogLevel string `help:"Log level: trace, debug, info, warn, error." env:"CHATGATE_LOG_LEVEL"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve      ServeCmd      `cmd:"" default:"1" help:"Run the gateway (default)."`
	Link       LinkCmd       `cmd:"" help:"Pair a phone number by scanning a QR code in this terminal."`
	Sessions   SessionsCmd   `cmd:"" help:"Inspect or erase stored credentials."`
	InitConfig InitConfigCmd `cmd:"" name:"init-config" help:"Write a config file with every default filled in."`
	HashToken  HashTokenCmd  `cmd:"" name:"hash-token" help:"Print the bcrypt hash of an API token for http.tokenHash."`
	Version    VersionCmd    `cmd:"" help:"Print version."`
}

// load reads the config and applies the log level, giving --log-level
// precedence over the file.
func (g *Globals) load() (*config.Config, error) {
	if g.LogLevel != "" {
		SetLevel(ParseLevel(g.LogLevel))
	}
	cfg, _, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.LogLevel == "" {
		SetLevel(ParseLevel(cfg.Log.Level))
	}
	return cfg, nil
}

func main() {
	Init(&Options{
		Level:      LevelInfo,
		TimeFormat: "15:04:05",
	})

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("chatgate"),
		kong.Description("Per-tenant WhatsApp session gateway."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
