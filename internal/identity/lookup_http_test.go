package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/t/5511999990000/by-phone/5511988887777":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":{"customer":{"_id":"c-1","fullName":"Ana","phone":"5511988887777"}}}`))
		case "/t/5511999990000/by-jid/broken@lid":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h, err := NewHTTPLookup(HTTPLookupConfig{
		BaseURL:     srv.URL,
		ByJIDPath:   "/t/{tenant}/by-jid/{jid}",
		ByPhonePath: "/t/{tenant}/by-phone/{phone}",
		Token:       "secret",
		IDQuery:     ".data.customer._id",
		NameQuery:   ".data.customer.fullName",
		PhoneQuery:  ".data.customer.phone",
	})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := h.ByPhone(ctx, tenantID, "5511988887777")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, Identity{ID: "c-1", Name: "Ana", Phone: "5511988887777"}, *id)

	id, err = h.ByTransportID(ctx, tenantID, "unknown@lid")
	require.NoError(t, err)
	assert.Nil(t, id)

	_, err = h.ByTransportID(ctx, tenantID, "broken@lid")
	assert.Error(t, err)
}

func TestHTTPLookupConfigErrors(t *testing.T) {
	_, err := NewHTTPLookup(HTTPLookupConfig{})
	assert.Error(t, err)

	_, err = NewHTTPLookup(HTTPLookupConfig{BaseURL: "http://localhost", IDQuery: ".["})
	assert.Error(t, err)
}
