package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"API_ADDR", "LOGLEVEL", "BACKEND_URL", "ALLOCATE_PATH", "FINALIZE_PATH",
		"TENANT_ID", "PROVIDER_HINT", "AGENTS_PATH", "AUDIO_OUT", "MIC_IN",
		"NATS_URL",
		"ALLOCATE_TIMEOUT", "CONNECT_TIMEOUT", "FINALIZE_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load([]string{"--env-file", ""})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, "/api/create-room/", cfg.AllocatePath)
	assert.Equal(t, "/api/end-call-session-thunder/", cfg.FinalizePath)
	assert.Equal(t, 15*time.Second, cfg.AllocateTimeout)
	assert.Equal(t, 15*time.Second, cfg.ConnectTimeout)
	assert.Error(t, cfg.Validate(), "backend URL is required")
}

func TestLoadEnvOverridesFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND_URL", "https://backend.example/")
	t.Setenv("CONNECT_TIMEOUT", "3s")

	cfg, err := Load([]string{
		"--env-file", "",
		"--backend-url", "https://flag.example",
		"--connect-timeout", "20s",
		"--tenant", "tenant-1",
		"--nats-url", "nats://events:4222",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://backend.example", cfg.BackendURL)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "tenant-1", cfg.TenantID)
	assert.Equal(t, "nats://events:4222", cfg.NATSURL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv does not override variables that are already set, even empty ones.
	os.Unsetenv("BACKEND_URL")
	os.Unsetenv("TENANT_ID")
	t.Cleanup(func() {
		os.Unsetenv("BACKEND_URL")
		os.Unsetenv("TENANT_ID")
	})

	path := filepath.Join(t.TempDir(), "agentline.env")
	require.NoError(t, os.WriteFile(path, []byte("BACKEND_URL=https://dotenv.example\nTENANT_ID=t-9\n"), 0o600))

	cfg, err := Load([]string{"--env-file", path})
	require.NoError(t, err)
	assert.Equal(t, "https://dotenv.example", cfg.BackendURL)
	assert.Equal(t, "t-9", cfg.TenantID)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALLOCATE_TIMEOUT", "soon")

	_, err := Load([]string{"--env-file", ""})
	assert.ErrorContains(t, err, "ALLOCATE_TIMEOUT")
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	clearEnv(t)
	_, err := Load([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")})
	assert.NoError(t, err)
}
