package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/marcelmariani/crm-platform-sub000/internal/config"
	"github.com/marcelmariani/crm-platform-sub000/internal/gateway"
	apihttp "github.com/marcelmariani/crm-platform-sub000/internal/http"
	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/paths"
	"github.com/marcelmariani/crm-platform-sub000/internal/tenant"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport/whatsapp"
)

// ServeCmd runs the gateway until SIGINT/SIGTERM.
type ServeCmd struct {
	Listen string `help:"Override http.listen." env:"CHATGATE_LISTEN"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.HTTP.Listen = c.Listen
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	L_info("chatgate %s starting", version)
	go func() {
		<-ctx.Done()
		SetShuttingDown()
	}()
	return gw.Run(ctx)
}

// LinkCmd pairs one tenant interactively.
type LinkCmd struct {
	Phone   string        `arg:"" help:"Tenant phone number."`
	Timeout time.Duration `default:"5m" help:"Give up after this long."`
}

func (c *LinkCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	t, err := tenant.Normalize(c.Phone)
	if err != nil {
		return err
	}
	dialer, err := whatsapp.NewDialer(cfg.Sessions.Transport())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	fmt.Printf("Linking %s\n", t)
	fmt.Println("Scan the QR code below with WhatsApp:")
	fmt.Println("  WhatsApp > Settings > Linked Devices > Link a Device")
	fmt.Println()

	id, err := whatsapp.Link(ctx, dialer, t, whatsapp.LinkOptions{
		Out:       os.Stdout,
		HalfBlock: term.IsTerminal(int(os.Stdout.Fd())),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Paired successfully! Account: %s\n", id)
	return nil
}

// SessionsCmd groups the offline credential commands.
type SessionsCmd struct {
	List   SessionsListCmd   `cmd:"" help:"List tenants with stored credentials."`
	Delete SessionsDeleteCmd `cmd:"" help:"Erase stored credentials (stop the gateway first)."`
}

type SessionsListCmd struct{}

func (c *SessionsListCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	dialer, err := whatsapp.NewDialer(cfg.Sessions.Transport())
	if err != nil {
		return err
	}
	tenants, err := dialer.List()
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		fmt.Println("No stored sessions in", cfg.Sessions.Dir)
		return nil
	}

	ctx := context.Background()
	for _, t := range tenants {
		id, err := dialer.DeviceID(ctx, t)
		switch {
		case err != nil:
			fmt.Printf("%-16s  error: %v\n", t, err)
		case id == "":
			fmt.Printf("%-16s  (not paired)\n", t)
		default:
			fmt.Printf("%-16s  %s\n", t, id)
		}
	}
	return nil
}

type SessionsDeleteCmd struct {
	Phone string `arg:"" optional:"" help:"Tenant phone number."`
	All   bool   `help:"Erase every tenant."`
}

func (c *SessionsDeleteCmd) Run(g *Globals) error {
	if (c.Phone == "") == !c.All {
		return errors.New("give either a phone number or --all")
	}
	cfg, err := g.load()
	if err != nil {
		return err
	}
	dialer, err := whatsapp.NewDialer(cfg.Sessions.Transport())
	if err != nil {
		return err
	}

	var targets []string
	if c.All {
		if targets, err = dialer.List(); err != nil {
			return err
		}
	} else {
		t, err := tenant.Normalize(c.Phone)
		if err != nil {
			return err
		}
		if !dialer.Exists(t) {
			return fmt.Errorf("no stored session for %s", t)
		}
		targets = []string{t}
	}

	for _, t := range targets {
		if err := dialer.Erase(t); err != nil {
			return err
		}
		fmt.Println("deleted", t)
	}
	fmt.Printf("%d session(s) deleted\n", len(targets))
	return nil
}

// InitConfigCmd writes the default configuration.
type InitConfigCmd struct {
	Path  string `arg:"" optional:"" type:"path" help:"Destination (default ~/.chatgate/chatgate.toml)."`
	Force bool   `help:"Overwrite an existing file (a backup is kept)."`
}

func (c *InitConfigCmd) Run(g *Globals) error {
	path := c.Path
	if path == "" {
		p, err := paths.DataPath("chatgate.toml")
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Default(), 0); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

// HashTokenCmd prints a bcrypt hash for http.tokenHash.
type HashTokenCmd struct {
	Token string `arg:"" optional:"" help:"Token to hash; read from stdin when omitted."`
}

func (c *HashTokenCmd) Run(g *Globals) error {
	token := c.Token
	if token == "" {
		var err error
		if token, err = readSecret("API token: "); err != nil {
			return err
		}
	}
	if token == "" {
		return errors.New("empty token")
	}
	hash, err := apihttp.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(string(b)), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("chatgate %s\n", version)
	return nil
}
