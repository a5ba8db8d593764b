// Package pairing holds the most recent pairing challenge per tenant.
package pairing

import (
	"encoding/base64"
	"fmt"
	"time"

	"rsc.io/qr"
)

// DefaultTTL is the validity window of a pairing artifact from issue time.
const DefaultTTL = 3 * time.Minute

// qrScale is the pixel size of one QR module in the rendered PNG.
const qrScale = 6

// Artifact is one rendered pairing challenge. Read-only once issued.
type Artifact struct {
	Image     string    `json:"qrImage"` // data:image/png;base64,...
	Code      string    `json:"-"`
	Attempts  int       `json:"attempts"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewArtifact renders code as a QR PNG and stamps the validity window.
func NewArtifact(code string, attempts int, issuedAt time.Time, ttl time.Duration) (*Artifact, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	img, err := RenderPNG(code)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Image:     img,
		Code:      code,
		Attempts:  attempts,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
	}, nil
}

// RenderPNG encodes code as a QR PNG data URL.
func RenderPNG(code string) (string, error) {
	c, err := qr.Encode(code, qr.L)
	if err != nil {
		return "", fmt.Errorf("encode pairing qr: %w", err)
	}
	c.Scale = qrScale
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(c.PNG()), nil
}

// Valid reports whether the artifact can still be handed out by the
// session creation path.
func (a *Artifact) Valid(now time.Time) bool {
	return a != nil && now.Before(a.ExpiresAt)
}
