package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marcelmariani/crm-platform-sub000/internal/jsonq"
	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
)

const maxLookupBody = 1 << 20

// HTTPLookupConfig describes the identity service endpoints. Paths may use
// the {tenant}, {jid} and {phone} placeholders.
type HTTPLookupConfig struct {
	BaseURL     string
	ByJIDPath   string
	ByPhonePath string
	Token       string
	Timeout     time.Duration

	IDQuery    string
	NameQuery  string
	PhoneQuery string
}

// HTTPLookup queries a JSON identity service over HTTP.
type HTTPLookup struct {
	cfg    HTTPLookupConfig
	client *http.Client
	id     *jsonq.Query
	name   *jsonq.Query
	phone  *jsonq.Query
}

// NewHTTPLookup validates cfg and compiles its field queries.
func NewHTTPLookup(cfg HTTPLookupConfig) (*HTTPLookup, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("identity lookup: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("identity lookup: invalid base URL: %w", err)
	}
	if cfg.ByJIDPath == "" {
		cfg.ByJIDPath = "/identities/by-jid/{jid}"
	}
	if cfg.ByPhonePath == "" {
		cfg.ByPhonePath = "/identities/by-phone/{phone}"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.IDQuery == "" {
		cfg.IDQuery = ".id"
	}
	if cfg.NameQuery == "" {
		cfg.NameQuery = ".name"
	}
	if cfg.PhoneQuery == "" {
		cfg.PhoneQuery = ".phone"
	}

	h := &HTTPLookup{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	var err error
	if h.id, err = jsonq.Compile(cfg.IDQuery); err != nil {
		return nil, err
	}
	if h.name, err = jsonq.Compile(cfg.NameQuery); err != nil {
		return nil, err
	}
	if h.phone, err = jsonq.Compile(cfg.PhoneQuery); err != nil {
		return nil, err
	}
	return h, nil
}

// ByTransportID implements Lookup.
func (h *HTTPLookup) ByTransportID(ctx context.Context, tenantID, jid string) (*Identity, error) {
	return h.get(ctx, expand(h.cfg.ByJIDPath, tenantID, jid, ""))
}

// ByPhone implements Lookup.
func (h *HTTPLookup) ByPhone(ctx context.Context, tenantID, phone string) (*Identity, error) {
	return h.get(ctx, expand(h.cfg.ByPhonePath, tenantID, "", phone))
}

func expand(path, tenantID, jid, phone string) string {
	return strings.NewReplacer(
		"{tenant}", url.PathEscape(tenantID),
		"{jid}", url.PathEscape(jid),
		"{phone}", url.PathEscape(phone),
	).Replace(path)
}

func (h *HTTPLookup) get(ctx context.Context, path string) (*Identity, error) {
	defer metrics.MetricStart("identity", "lookup")()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(h.cfg.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		L_trace("identity: lookup miss", "path", path)
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("identity lookup: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLookupBody))
	if err != nil {
		return nil, fmt.Errorf("read lookup response: %w", err)
	}
	doc, err := jsonq.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("identity lookup: %w", err)
	}

	var id Identity
	if id.ID, err = h.id.First(ctx, doc); err != nil {
		return nil, err
	}
	if id.ID == "" {
		return nil, nil
	}
	if id.Name, err = h.name.First(ctx, doc); err != nil {
		return nil, err
	}
	if id.Phone, err = h.phone.First(ctx, doc); err != nil {
		return nil, err
	}
	return &id, nil
}
