package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortValidation(t *testing.T) {
	t.Setenv("TEST_PORT", "70000")
	_, err := Port("TEST_PORT", "8080")
	require.Error(t, err)

	t.Setenv("TEST_PORT", "")
	p, err := Port("TEST_PORT", "8080")
	require.NoError(t, err)
	assert.Equal(t, "8080", p)
}

func TestDurationAndInt(t *testing.T) {
	t.Setenv("TEST_POLL", "1500ms")
	d, err := Duration("TEST_POLL", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	t.Setenv("TEST_POLL", "soon")
	_, err = Duration("TEST_POLL", time.Second)
	require.Error(t, err)

	t.Setenv("TEST_BATCH", "")
	n, err := Int("TEST_BATCH", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	t.Setenv("TEST_BATCH", "x")
	_, err = Int("TEST_BATCH", 50)
	require.Error(t, err)
}

func TestBoolFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_FLAG", "yes please")
	assert.True(t, Bool("TEST_FLAG", true))
	t.Setenv("TEST_FLAG", "false")
	assert.False(t, Bool("TEST_FLAG", true))
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("USERHUB_A=from-file\nUSERHUB_B=from-file\n"), 0o600))

	t.Setenv("USERHUB_A", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("USERHUB_B") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-env", os.Getenv("USERHUB_A"))
	assert.Equal(t, "from-file", os.Getenv("USERHUB_B"))
}
