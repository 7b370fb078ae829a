package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMapDefaults(t *testing.T) {
	cfg, err := FromMap(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.SettingsBackend)
	assert.Equal(t, 50, cfg.BatchChunkSize)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.True(t, strings.HasPrefix(cfg.DBPath, filepath.Join(xdg.DataHome, AppName)))
	assert.Equal(t, "http://localhost:8080/oauth/callback", cfg.OAuthRedirectURL())
}

func TestFromMapOverrides(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"CONTACTSYNC_DB_PATH":          "/tmp/x.db",
		"CONTACTSYNC_PROVIDER":         "acme",
		"CONTACTSYNC_BATCH_CHUNK_SIZE": "25",
		"CONTACTSYNC_REFRESH_WAIT":     "2s",
	})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, "acme", cfg.Provider)
	assert.Equal(t, 25, cfg.BatchChunkSize)
	assert.Equal(t, 2*time.Second, cfg.RefreshWait)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := FromMap(map[string]string{"CONTACTSYNC_SETTINGS_BACKEND": "redis"})
	assert.Error(t, err)

	_, err = FromMap(map[string]string{"CONTACTSYNC_BATCH_CHUNK_SIZE": "0"})
	assert.Error(t, err)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CONTACTSYNC_PROVIDER=from-dotenv\n"), 0600))
	t.Setenv("CONTACTSYNC_PROVIDER", "")
	require.NoError(t, os.Unsetenv("CONTACTSYNC_PROVIDER"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Provider)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
