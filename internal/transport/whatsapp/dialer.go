// Package whatsapp implements transport.Dialer on top of whatsmeow. Each
// tenant gets its own directory holding a sqlite device store.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/tenant"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
)

const (
	deviceDB       = "device.db"
	sqliteParams   = "?_foreign_keys=on&_busy_timeout=5000"
	versionTimeout = 10 * time.Second
)

// Config configures the Dialer.
type Config struct {
	SessionsDir     string // one subdirectory per tenant
	FallbackVersion string // used when the current web version cannot be fetched
	HTTPClient      *http.Client
}

// Dialer opens whatsmeow clients from per-tenant credential directories.
type Dialer struct {
	cfg         Config
	versionOnce sync.Once
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer creates the sessions directory if needed.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.SessionsDir == "" {
		return nil, errors.New("whatsapp: sessions directory is required")
	}
	if err := os.MkdirAll(cfg.SessionsDir, 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp: create sessions dir: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: versionTimeout}
	}
	return &Dialer{cfg: cfg}, nil
}

func (d *Dialer) dir(tenantID string) string {
	return filepath.Join(d.cfg.SessionsDir, tenantID)
}

// Open implements transport.Dialer.
func (d *Dialer) Open(ctx context.Context, tenantID string, sink transport.Sink) (transport.Conn, error) {
	if !tenant.Valid(tenantID) {
		return nil, tenant.ErrInvalidTenant
	}
	d.negotiateVersion(ctx)

	dir := d.dir(tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}

	db, container, err := openStore(ctx, filepath.Join(dir, deviceDB), newLogger("store/"+tenantID))
	if err != nil {
		return nil, err
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load device for %s: %w", tenantID, err)
	}
	if device == nil {
		device = container.NewDevice()
	}

	client := whatsmeow.NewClient(device, newLogger("client/"+tenantID))
	return newConn(tenantID, client, db, sink), nil
}

// Exists implements transport.Dialer. The credential directory's presence
// is the only signal.
func (d *Dialer) Exists(tenantID string) bool {
	info, err := os.Stat(d.dir(tenantID))
	return err == nil && info.IsDir()
}

// Erase implements transport.Dialer.
func (d *Dialer) Erase(tenantID string) error {
	if !tenant.Valid(tenantID) {
		return tenant.ErrInvalidTenant
	}
	if err := os.RemoveAll(d.dir(tenantID)); err != nil {
		return fmt.Errorf("erase credentials for %s: %w", tenantID, err)
	}
	L_debug("whatsapp: credentials erased", "tenant", tenantID)
	return nil
}

// List implements transport.Dialer.
func (d *Dialer) List() ([]string, error) {
	entries, err := os.ReadDir(d.cfg.SessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && tenant.Valid(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// DeviceID returns the linked account of a tenant's stored device, or ""
// if the tenant has credentials but never finished pairing.
func (d *Dialer) DeviceID(ctx context.Context, tenantID string) (string, error) {
	path := filepath.Join(d.dir(tenantID), deviceDB)
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	db, container, err := openStore(ctx, path, newLogger("store/"+tenantID))
	if err != nil {
		return "", err
	}
	defer db.Close()

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return "", fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		if dev.ID != nil {
			return dev.ID.String(), nil
		}
	}
	return "", nil
}

func openStore(ctx context.Context, path string, log waLog.Logger) (*sql.DB, *sqlstore.Container, error) {
	db, err := sql.Open("sqlite3", path+sqliteParams)
	if err != nil {
		return nil, nil, fmt.Errorf("open device store: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", log)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("upgrade device store: %w", err)
	}
	log.Debugf("device store ready at %s", path)
	return db, container, nil
}

// negotiateVersion asks web.whatsapp.com for the current client version
// once per process, falling back to the configured one.
func (d *Dialer) negotiateVersion(ctx context.Context) {
	d.versionOnce.Do(func() {
		vctx, cancel := context.WithTimeout(ctx, versionTimeout)
		defer cancel()

		latest, err := whatsmeow.GetLatestVersion(vctx, d.cfg.HTTPClient)
		if err == nil && latest != nil {
			store.SetWAVersion(*latest)
			L_info("whatsapp: using current web version", "version", latest.String())
			return
		}
		L_warn("whatsapp: version discovery failed", "error", err, "fallback", d.cfg.FallbackVersion)

		if d.cfg.FallbackVersion == "" {
			return
		}
		v, perr := store.ParseVersion(d.cfg.FallbackVersion)
		if perr != nil {
			L_error("whatsapp: invalid fallback version", "version", d.cfg.FallbackVersion, "error", perr)
			return
		}
		store.SetWAVersion(v)
	})
}
