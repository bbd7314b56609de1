package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySecrets(t *testing.T) {
	secrets := NewMemorySecrets(map[SecretRef]string{"proxy/token": "tok-123"})

	v, err := secrets.Resolve(t.Context(), "proxy/token")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", v)

	_, err = secrets.Resolve(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, secrets.Put(t.Context(), FallbackRef("openai"), "sk-direct"))
	v, err = secrets.Resolve(t.Context(), "fallback/openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-direct", v)
}

func TestSecrets_EnvHandles(t *testing.T) {
	t.Setenv("LLM_PROXY_TEST_SECRET", "from-env")
	secrets := NewMemorySecrets(nil)

	v, err := secrets.Resolve(t.Context(), "env:LLM_PROXY_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = secrets.Resolve(t.Context(), "env:LLM_PROXY_TEST_UNSET")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestFileSecrets_PutAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")

	secrets, err := OpenFileSecrets(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, secrets.Put(t.Context(), "proxy/token", "tok-1"))
	require.NoError(t, secrets.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := OpenFileSecrets(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Resolve(t.Context(), "proxy/token")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", v)
}

func TestFileSecrets_ReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")

	secrets, err := OpenFileSecrets(path, testLogger())
	require.NoError(t, err)
	defer secrets.Close()

	_, err = secrets.Resolve(t.Context(), "fallback/anthropic")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, os.WriteFile(path, []byte("secrets:\n  fallback/anthropic: sk-ant\n"), 0600))

	assert.Eventually(t, func() bool {
		v, err := secrets.Resolve(t.Context(), "fallback/anthropic")
		return err == nil && v == "sk-ant"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFileSecrets_CloseIsIdempotent(t *testing.T) {
	secrets, err := OpenFileSecrets(filepath.Join(t.TempDir(), "s.yaml"), testLogger())
	require.NoError(t, err)
	assert.NoError(t, secrets.Close())
	assert.NoError(t, secrets.Close())
}
