package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelmariani/crm-platform-sub000/internal/pairing"
	"github.com/marcelmariani/crm-platform-sub000/internal/tenant"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport/transporttest"
)

const testTenant = "5511999990000"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() Config {
	return Config{
		PairingWait:      2 * time.Second,
		LockPollInterval: 10 * time.Millisecond,
		LockPollAttempts: 50,
		RestartDelay:     20 * time.Millisecond,
		EventBuffer:      16,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *transporttest.Dialer, *fakeClock) {
	t.Helper()
	d := transporttest.NewDialer()
	m := NewManager(d, cfg)
	clk := newFakeClock()
	m.SetClock(clk.Now)
	t.Cleanup(m.Shutdown)
	return m, d, clk
}

func emitPairing(code string) func(*transporttest.Conn) {
	return func(c *transporttest.Conn) {
		c.Emit(transport.PairingChallenge{Code: code})
	}
}

func emitOpened(c *transporttest.Conn) {
	c.Emit(transport.Opened{ID: "self@s.whatsapp.net"})
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := m.Session(testTenant)
		return s != nil && s.Status() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreateSessionPairingAttemptsIncrease(t *testing.T) {
	m, d, clk := newTestManager(t, testConfig())
	d.OnConnect = emitPairing("code-1")
	ctx := context.Background()

	res, err := m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	require.Equal(t, ResultQR, res.Status)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, 1, res.Artifact.Attempts)
	first := res.Artifact

	clk.Advance(20 * time.Second)
	d.Latest(testTenant).Emit(transport.PairingChallenge{Code: "code-2"})

	require.Eventually(t, func() bool {
		a, err := m.GetPairingArtifact(testTenant)
		return err == nil && a.Attempts == 2
	}, 2*time.Second, 5*time.Millisecond)

	res, err = m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	require.Equal(t, ResultQR, res.Status)
	assert.Equal(t, 2, res.Artifact.Attempts)
	assert.NotEqual(t, first.Image, res.Artifact.Image)
	assert.True(t, res.Artifact.ExpiresAt.After(first.ExpiresAt))
	assert.Equal(t, 1, d.Opens(testTenant))
}

func TestCreateSessionIdempotentWhenOpen(t *testing.T) {
	m, d, clk := newTestManager(t, testConfig())
	d.OnConnect = emitOpened
	ctx := context.Background()

	res, err := m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	require.Equal(t, ResultConnected, res.Status)
	waitStatus(t, m, StatusOpen)

	marker, err := pairing.NewArtifact("left-over", 7, clk.Now(), 0)
	require.NoError(t, err)
	m.Ledger().Put(testTenant, marker)

	res, err = m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, ResultConnected, res.Status)
	assert.Nil(t, res.Artifact)
	assert.Same(t, marker, m.Ledger().Get(testTenant))
	assert.Equal(t, 1, d.Opens(testTenant))
}

func TestConcurrentCreateSingleConnection(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitPairing("code")
	ctx := context.Background()

	const callers = 25
	var wg sync.WaitGroup
	statuses := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.CreateSession(ctx, testTenant)
			assert.NoError(t, err)
			statuses[i] = res.Status
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, d.Opens(testTenant))
	assert.Equal(t, 1, d.LiveConns(testTenant))
	for _, st := range statuses {
		assert.Equal(t, ResultQR, st)
	}
}

func TestOpenClearsLedger(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitPairing("code")

	res, err := m.CreateSession(context.Background(), testTenant)
	require.NoError(t, err)
	require.Equal(t, ResultQR, res.Status)

	emitOpened(d.Latest(testTenant))
	waitStatus(t, m, StatusOpen)

	_, err = m.GetPairingArtifact(testTenant)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestartCodeRebuildsOnce(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitOpened

	res, err := m.CreateSession(context.Background(), testTenant)
	require.NoError(t, err)
	require.Equal(t, ResultConnected, res.Status)
	waitStatus(t, m, StatusOpen)

	first := d.Latest(testTenant)
	first.Emit(transport.Closed{Code: transport.CodeRestartRequired, Reason: "restart required"})

	require.Eventually(t, func() bool {
		return d.Opens(testTenant) == 2
	}, 2*time.Second, 5*time.Millisecond)
	waitStatus(t, m, StatusOpen)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, d.Opens(testTenant))
	assert.Equal(t, 1, d.LiveConns(testTenant))
	assert.True(t, first.Closed())
	assert.True(t, d.Exists(testTenant), "credentials must survive a restart")
	assert.NotSame(t, first, d.Latest(testTenant))
}

func TestAttemptsResetOnRebuild(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitPairing("code")

	res, err := m.CreateSession(context.Background(), testTenant)
	require.NoError(t, err)
	require.Equal(t, 1, res.Artifact.Attempts)

	d.Latest(testTenant).Emit(transport.PairingChallenge{Code: "again"})
	require.Eventually(t, func() bool {
		return m.Ledger().Get(testTenant).Attempts == 2
	}, 2*time.Second, 5*time.Millisecond)

	d.Latest(testTenant).Emit(transport.Closed{Code: transport.CodeUnavailable})
	require.Eventually(t, func() bool {
		if d.Opens(testTenant) != 2 {
			return false
		}
		a := m.Ledger().Get(testTenant)
		return a != nil && a.Attempts == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTerminalCodeErasesCredentials(t *testing.T) {
	for _, code := range []int{transport.CodeLoggedOut, transport.CodeForbidden, transport.CodeUnknownLogout} {
		m, d, _ := newTestManager(t, testConfig())
		d.OnConnect = emitOpened

		_, err := m.CreateSession(context.Background(), testTenant)
		require.NoError(t, err)
		waitStatus(t, m, StatusOpen)

		conn := d.Latest(testTenant)
		conn.Emit(transport.Closed{Code: code, Reason: "logged out"})

		require.Eventually(t, func() bool {
			return m.Session(testTenant) == nil
		}, 2*time.Second, 5*time.Millisecond, "code %d", code)
		assert.False(t, d.Exists(testTenant), "code %d", code)
		assert.True(t, conn.Closed(), "code %d", code)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, d.Opens(testTenant), "no automatic retry after code %d", code)
	}
}

func TestUnclassifiedCloseIsLeftToTransport(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitOpened
	ctx := context.Background()

	_, err := m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	waitStatus(t, m, StatusOpen)

	conn := d.Latest(testTenant)
	conn.Emit(transport.Closed{Code: transport.CodeConnectionClosed})
	waitStatus(t, m, StatusClosed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Opens(testTenant))
	assert.True(t, d.Exists(testTenant))
	assert.False(t, conn.Closed())

	conn.Emit(transport.Opened{})
	waitStatus(t, m, StatusOpen)

	conn.Emit(transport.Closed{Code: transport.CodeTimedOut})
	waitStatus(t, m, StatusClosed)

	res, err := m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, ResultConnected, res.Status)
	assert.Equal(t, 2, d.Opens(testTenant), "a closed handle is rebuilt on request")
	assert.True(t, conn.Closed())
}

func TestRebuildDropsStalePairingCode(t *testing.T) {
	cfg := testConfig()
	cfg.PairingWait = 100 * time.Millisecond
	m, d, _ := newTestManager(t, cfg)
	d.OnConnect = emitPairing("code-old")
	ctx := context.Background()

	res, err := m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	require.Equal(t, ResultQR, res.Status)
	old := d.Latest(testTenant)

	d.OnConnect = nil
	old.Emit(transport.Closed{Code: transport.CodeConnectionClosed})
	waitStatus(t, m, StatusClosed)
	require.NotNil(t, m.Ledger().Get(testTenant))

	res, err = m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res.Status)
	assert.Equal(t, 2, d.Opens(testTenant))
	assert.True(t, old.Closed())

	_, err = m.GetPairingArtifact(testTenant)
	assert.ErrorIs(t, err, ErrNotFound)
	st, err := m.GetStatus(ctx, testTenant)
	require.NoError(t, err)
	assert.False(t, st.PairingAvailable)

	res, err = m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res.Status, "old code is never handed out")

	d.Latest(testTenant).Emit(transport.PairingChallenge{Code: "code-new"})
	require.Eventually(t, func() bool {
		return m.Ledger().Get(testTenant) != nil
	}, 2*time.Second, 5*time.Millisecond)

	res, err = m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	require.Equal(t, ResultQR, res.Status)
	assert.Equal(t, "code-new", res.Artifact.Code)
	assert.Equal(t, 1, res.Artifact.Attempts)
}

func TestPairingTimeoutClearsCode(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitPairing("code")
	ctx := context.Background()

	res, err := m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	require.Equal(t, ResultQR, res.Status)

	d.Latest(testTenant).Emit(transport.Closed{Code: transport.CodeTimedOut})
	waitStatus(t, m, StatusClosed)

	_, err = m.GetPairingArtifact(testTenant)
	assert.ErrorIs(t, err, ErrNotFound)
	st, err := m.GetStatus(ctx, testTenant)
	require.NoError(t, err)
	assert.False(t, st.PairingAvailable)
	assert.True(t, d.Exists(testTenant), "credentials kept")
}

func TestExpiredArtifactStillReturnedVerbatim(t *testing.T) {
	cfg := testConfig()
	cfg.PairingWait = 100 * time.Millisecond
	m, d, clk := newTestManager(t, cfg)
	d.OnConnect = emitPairing("code")
	ctx := context.Background()

	res, err := m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	require.Equal(t, ResultQR, res.Status)

	clk.Advance(181 * time.Second)

	got, err := m.GetPairingArtifact(testTenant)
	require.NoError(t, err)
	assert.Same(t, res.Artifact, got)

	st, err := m.GetStatus(ctx, testTenant)
	require.NoError(t, err)
	assert.False(t, st.PairingAvailable)

	res, err = m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res.Status)
}

func TestInvalidTenantRejected(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	for _, raw := range []string{"", "123", "abc", "1234567890123456"} {
		_, err := m.CreateSession(ctx, raw)
		assert.ErrorIs(t, err, tenant.ErrInvalidTenant, raw)

		_, err = m.GetStatus(ctx, raw)
		assert.ErrorIs(t, err, tenant.ErrInvalidTenant, raw)

		assert.ErrorIs(t, m.DeleteSession(ctx, raw), tenant.ErrInvalidTenant, raw)
	}
	assert.Equal(t, 0, m.registry.Len())
	assert.Equal(t, 0, d.Opens(""))
}

func TestTenantNormalizedBeforeUse(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitOpened

	res, err := m.CreateSession(context.Background(), "+55 (11) 99999-0000")
	require.NoError(t, err)
	assert.Equal(t, ResultConnected, res.Status)
	assert.NotNil(t, m.Session(testTenant))
}

func TestBuildFailureIsPending(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OpenErr = errors.New("disk full")

	res, err := m.CreateSession(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, res.Status)
	assert.Nil(t, m.Session(testTenant))
	assert.False(t, m.locks.Held(testTenant))
}

func TestLockHeldReturnsBusy(t *testing.T) {
	cfg := testConfig()
	cfg.LockPollAttempts = 3
	m, d, _ := newTestManager(t, cfg)

	require.True(t, m.locks.TryAcquire(testTenant))
	defer m.locks.Release(testTenant)

	res, err := m.CreateSession(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, ResultBusy, res.Status)
	assert.Equal(t, 0, d.Opens(testTenant))
}

func TestGetStatusLazyRestore(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	st, err := m.GetStatus(ctx, testTenant)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.Equal(t, StatusUnknown, st.State)
	assert.Equal(t, 0, d.Opens(testTenant))

	d.SeedCredentials(testTenant)

	require.True(t, m.locks.TryAcquire(testTenant))
	st, err = m.GetStatus(ctx, testTenant)
	require.NoError(t, err)
	assert.False(t, st.Exists, "no restore while a build holds the lock")
	m.locks.Release(testTenant)

	st, err = m.GetStatus(ctx, testTenant)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, 1, d.Opens(testTenant))

	_, err = m.GetStatus(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Opens(testTenant))
}

func TestDeleteSession(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitPairing("code")
	ctx := context.Background()

	_, err := m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	conn := d.Latest(testTenant)

	require.NoError(t, m.DeleteSession(ctx, testTenant))
	assert.True(t, conn.LoggedOut())
	assert.True(t, conn.Closed())
	assert.False(t, d.Exists(testTenant))
	assert.Nil(t, m.Session(testTenant))
	_, err = m.GetPairingArtifact(testTenant)
	assert.ErrorIs(t, err, ErrNotFound)

	// unknown tenant: nothing to log out, still succeeds
	assert.NoError(t, m.DeleteSession(ctx, "5511888880000"))
}

func TestDeleteWaitsForRunningBuild(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.SeedCredentials(testTenant)
	ctx := context.Background()

	require.True(t, m.locks.TryAcquire(testTenant))
	done := make(chan error, 1)
	go func() { done <- m.DeleteSession(ctx, testTenant) }()

	time.Sleep(30 * time.Millisecond)
	assert.True(t, d.Exists(testTenant), "delete waits for the build")

	s, err := m.sv.Build(ctx, testTenant)
	require.NoError(t, err)
	m.locks.Release(testTenant)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("DeleteSession did not finish")
	}
	assert.Nil(t, m.Session(testTenant))
	assert.True(t, s.Stopped())
	assert.True(t, d.Latest(testTenant).Closed())
	assert.False(t, d.Exists(testTenant))
	assert.False(t, m.locks.Held(testTenant))
	_, err = m.GetPairingArtifact(testTenant)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAllCoversRegistryAndDisk(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitOpened
	ctx := context.Background()

	_, err := m.CreateSession(ctx, testTenant)
	require.NoError(t, err)
	d.SeedCredentials("5511888880000")
	d.SeedCredentials("5511777770000")

	n, err := m.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := d.List()
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, 0, m.registry.Len())
}

func TestRestoreAll(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitOpened
	d.SeedCredentials(testTenant)
	d.SeedCredentials("5511888880000")

	n, err := m.RestoreAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, d.Opens(testTenant))
	assert.Equal(t, 1, d.Opens("5511888880000"))

	require.Eventually(t, func() bool {
		return m.Report().Open == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestForgetKeepsCredentials(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	d.OnConnect = emitOpened

	_, err := m.CreateSession(context.Background(), testTenant)
	require.NoError(t, err)
	conn := d.Latest(testTenant)

	m.Forget(testTenant)
	assert.Nil(t, m.Session(testTenant))
	assert.True(t, conn.Closed())
	assert.True(t, d.Exists(testTenant))
}

type recordingInbound struct {
	mu      sync.Mutex
	texts   []string
	panicOn string
}

func (r *recordingInbound) Dispatch(ctx context.Context, tenantID string, sender transport.Sender, msg transport.Message) {
	if msg.Text == r.panicOn {
		panic("handler exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, msg.Text)
}

func (r *recordingInbound) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestInboundDeliveredInOrderAndFaultIsolated(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	rec := &recordingInbound{panicOn: "bad"}
	m.SetInbound(rec)
	d.OnConnect = emitOpened

	_, err := m.CreateSession(context.Background(), testTenant)
	require.NoError(t, err)
	conn := d.Latest(testTenant)

	for _, text := range []string{"one", "bad", "two", "three"} {
		conn.Emit(transport.Inbound{Message: transport.Message{ID: text, Text: text}})
	}

	require.Eventually(t, func() bool {
		return len(rec.got()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, rec.got())
	waitStatus(t, m, StatusOpen)
}

func TestShutdownKeepsCredentials(t *testing.T) {
	d := transporttest.NewDialer()
	d.OnConnect = emitOpened
	m := NewManager(d, testConfig())

	_, err := m.CreateSession(context.Background(), testTenant)
	require.NoError(t, err)
	conn := d.Latest(testTenant)

	m.Shutdown()
	assert.True(t, conn.Closed())
	assert.True(t, d.Exists(testTenant))
	assert.Equal(t, 0, m.registry.Len())
}
