package whatsapp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelmariani/crm-platform-sub000/internal/tenant"
)

func TestNewDialerRequiresDir(t *testing.T) {
	_, err := NewDialer(Config{})
	assert.Error(t, err)
}

func TestDialerCredentialDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sessions")
	d, err := NewDialer(Config{SessionsDir: root})
	require.NoError(t, err)

	list, err := d.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	for _, name := range []string{"5511999990002", "5511999990001", "not-a-tenant"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o700))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "5511999990003"), nil, 0o600))

	list, err = d.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"5511999990001", "5511999990002"}, list)

	assert.True(t, d.Exists("5511999990001"))
	assert.False(t, d.Exists("5511999990003"), "plain files are not credentials")
	assert.False(t, d.Exists("5511999990009"))

	require.NoError(t, d.Erase("5511999990001"))
	assert.False(t, d.Exists("5511999990001"))
	require.NoError(t, d.Erase("5511999990001"), "erasing twice is fine")

	assert.ErrorIs(t, d.Erase("../etc"), tenant.ErrInvalidTenant)
}

func TestDeviceIDWithoutStore(t *testing.T) {
	d, err := NewDialer(Config{SessionsDir: t.TempDir()})
	require.NoError(t, err)
	id, err := d.DeviceID(t.Context(), "5511999990001")
	require.NoError(t, err)
	assert.Empty(t, id)
}
