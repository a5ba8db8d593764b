package dialogue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelmariani/crm-platform-sub000/internal/identity"
)

func TestHTTPEngineReplies(t *testing.T) {
	var got Turn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"replies":["first","second"]}`))
	}))
	defer srv.Close()

	e, err := NewHTTPEngine(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)

	turn := Turn{
		Tenant:   "5511999990000",
		Sender:   "5511988887777@s.whatsapp.net",
		Identity: &identity.Identity{ID: "c-1", Name: "Ana"},
		Text:     "oi",
	}
	replies, err := e.Handle(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, replies)
	assert.Equal(t, turn, got)
}

func TestHTTPEngineCustomQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[{"type":"text","body":"hello"},{"type":"image","body":"x.png"}]}`))
	}))
	defer srv.Close()

	e, err := NewHTTPEngine(HTTPConfig{URL: srv.URL, RepliesQuery: `.messages[] | select(.type == "text") | .body`})
	require.NoError(t, err)

	replies, err := e.Handle(context.Background(), Turn{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, replies)
}

func TestHTTPEngineFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	e, err := NewHTTPEngine(HTTPConfig{URL: srv.URL + "/fail"})
	require.NoError(t, err)
	_, err = e.Handle(context.Background(), Turn{Text: "hi"})
	assert.Error(t, err)

	e, err = NewHTTPEngine(HTTPConfig{URL: srv.URL + "/empty"})
	require.NoError(t, err)
	replies, err := e.Handle(context.Background(), Turn{Text: "hi"})
	require.NoError(t, err)
	assert.Empty(t, replies)

	_, err = NewHTTPEngine(HTTPConfig{})
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	replies, err := Noop{}.Handle(context.Background(), Turn{Text: "hi"})
	assert.NoError(t, err)
	assert.Nil(t, replies)
}
