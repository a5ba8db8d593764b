package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
	"github.com/marcelmariani/crm-platform-sub000/internal/session"
	"github.com/marcelmariani/crm-platform-sub000/internal/tenant"
)

const maxBodyBytes = 64 << 10

type createRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	JID         string `json:"jid,omitempty"`
}

type createResponse struct {
	Status   string `json:"status"`
	QRImage  string `json:"qrImage,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

type deleteResponse struct {
	Status      string `json:"status"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Count       *int   `json:"count,omitempty"`
}

type statusResponse struct {
	Exists           bool   `json:"exists"`
	State            string `json:"state"`
	PairingAvailable bool   `json:"pairingAvailable"`
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Sessions      int    `json:"sessions"`
	Open          int    `json:"open"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("http: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// pathTenant normalizes the {phoneNumber} URL parameter, answering 400
// when it is not a valid tenant.
func pathTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	t, err := tenant.Normalize(chi.URLParam(r, "phoneNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return t, true
}

// handleCreate: POST /session. A missing phoneNumber may be taken from a
// phone-addressed jid ("5511...@s.whatsapp.net").
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	raw := strings.TrimSpace(req.PhoneNumber)
	if raw == "" && req.JID != "" {
		raw, _, _ = strings.Cut(req.JID, "@")
		raw, _, _ = strings.Cut(raw, ":")
	}
	if raw == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber is required")
		return
	}

	res, err := s.sessions.CreateSession(r.Context(), raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := createResponse{Status: res.Status}
	if res.Status == session.ResultQR && res.Artifact != nil {
		out.QRImage = res.Artifact.Image
		out.Attempts = res.Artifact.Attempts
	}
	metrics.MetricOutcome("http", "create", res.Status)
	writeJSON(w, http.StatusOK, out)
}

// handleDelete: DELETE /session/{phoneNumber}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := pathTenant(w, r)
	if !ok {
		return
	}
	if err := s.sessions.DeleteSession(r.Context(), t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Status: "deleted", PhoneNumber: t})
}

// handleDeleteAll: DELETE /session
func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.sessions.DeleteAll(r.Context())
	if err != nil {
		// the sessions that were known are gone; the listing error is only logged
		L_warn("http: delete all incomplete", "error", err)
	}
	writeJSON(w, http.StatusOK, deleteResponse{Status: "deleted_all", Count: &n})
}

// handleStatus: GET /session/{phoneNumber}/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := pathTenant(w, r)
	if !ok {
		return
	}
	rep, err := s.sessions.GetStatus(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Exists:           rep.Exists,
		State:            string(rep.State),
		PairingAvailable: rep.PairingAvailable,
	})
}

// handleQR: GET /session/{phoneNumber}/qr
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	t, ok := pathTenant(w, r)
	if !ok {
		return
	}
	a, err := s.sessions.GetPairingArtifact(t)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "no pairing code for this number")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleHealth: GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	c := s.sessions.Report()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sessions:      c.Total,
		Open:          c.Open,
	})
}

// handleMetrics: GET /metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.GetInstance().GetSnapshot())
}
