package secrets

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	values := map[string]string{
		"GITHUB_TOKEN":      "ghp_example",
		"ANTHROPIC_API_KEY": "sk-ant-example",
	}

	sealed, err := Encrypt("correct horse", values)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "ghp_example")

	opened, err := Decrypt("correct horse", sealed)
	require.NoError(t, err)
	assert.Equal(t, values, opened)
}

func TestDecryptWrongPassphrase(t *testing.T) {
	sealed, err := Encrypt("correct horse", map[string]string{"K": "v"})
	require.NoError(t, err)

	_, err = Decrypt("battery staple", sealed)
	assert.Error(t, err)
}

func TestDecryptTruncatedBlob(t *testing.T) {
	_, err := Decrypt("x", []byte("short"))
	assert.Error(t, err)
}

func TestStoreSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")

	s := NewStore()
	s.Set("GITHUB_TOKEN", "ghp_example")
	require.NoError(t, s.SaveFile(path, "pass"))

	loaded := NewStore()
	require.NoError(t, loaded.LoadFile(path, "pass"))
	got, err := loaded.Get("GITHUB_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "ghp_example", got)
	assert.Equal(t, []string{"GITHUB_TOKEN"}, loaded.Names())
}

func TestStoreLoadMissingFileFallsBack(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.LoadFile(filepath.Join(t.TempDir(), "absent.enc"), "pass"))

	t.Setenv("REPOPILOT_TEST_SECRET", "from-env")
	got, err := s.Get("REPOPILOT_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)
}

func TestStorePrefersFileOverEnvironment(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "from-env")

	s := NewStore()
	s.Set("GITHUB_TOKEN", "from-file")
	got, err := s.Get("GITHUB_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)
}

func TestStoreGetUnknown(t *testing.T) {
	s := NewStore()
	_, err := s.Get("REPOPILOT_TEST_NEVER_SET")
	assert.Error(t, err)
}
