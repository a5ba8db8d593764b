package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelmariani/crm-platform-sub000/internal/config"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport/transporttest"
)

const phone = "5511999990000"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Listen = "127.0.0.1:0"
	cfg.HTTP.RateLimit = 0
	cfg.Sessions.Dir = t.TempDir()
	cfg.Sessions.PairingWait = config.Duration(time.Second)
	cfg.Sessions.LockPollInterval = config.Duration(10 * time.Millisecond)
	cfg.Report.Schedule = "@every 1h"
	return cfg
}

func TestGatewayEndToEnd(t *testing.T) {
	d := transporttest.NewDialer()
	d.OnConnect = func(c *transporttest.Conn) {
		c.Emit(transport.PairingChallenge{Code: "2@abc"})
	}
	g, err := NewWithDialer(testConfig(t), d)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	defer g.Shutdown()

	resp, err := http.Post("http://"+g.Server().Addr()+"/session", "application/json",
		strings.NewReader(`{"phoneNumber":"`+phone+`"}`))
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "qr", body["status"])

	conn := d.Latest(phone)
	require.NotNil(t, conn)
	conn.Emit(transport.Opened{})
	conn.Emit(transport.Inbound{Message: transport.Message{
		ID:     "m-1",
		Chat:   "99887766@lid",
		Sender: "99887766@lid",
		Text:   "hello",
	}})

	require.Eventually(t, func() bool {
		return len(conn.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, config.Default().Messages.AskPhone, conn.Sent()[0].Text)
	assert.Equal(t, "99887766@lid", conn.Sent()[0].To)
}

func TestGatewayRestoresOnStart(t *testing.T) {
	d := transporttest.NewDialer()
	d.SeedCredentials(phone)
	d.SeedCredentials("5511999990001")

	g, err := NewWithDialer(testConfig(t), d)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	defer g.Shutdown()

	assert.Equal(t, 1, d.Opens(phone))
	assert.Equal(t, 1, d.Opens("5511999990001"))
	assert.Equal(t, 2, g.Manager().Report().Total)
}

func TestGatewayRestoreDisabled(t *testing.T) {
	d := transporttest.NewDialer()
	d.SeedCredentials(phone)
	cfg := testConfig(t)
	off := false
	cfg.Sessions.RestoreOnStart = &off

	g, err := NewWithDialer(cfg, d)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	defer g.Shutdown()

	assert.Equal(t, 0, d.Opens(phone))
}

func TestGatewayRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Report.Schedule = "every now and then"
	g, err := NewWithDialer(cfg, transporttest.NewDialer())
	require.NoError(t, err)
	err = g.Run(context.Background())
	assert.ErrorContains(t, err, "report.schedule")
}

func TestGatewayRunStopsOnCancel(t *testing.T) {
	g, err := NewWithDialer(testConfig(t), transporttest.NewDialer())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return g.Server().Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
