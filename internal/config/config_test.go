package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCRIPT_DIR", dir)
	t.Setenv("WORKER_ID", "w1")

	c, err := Load()
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, c.ScriptDir)
	assert.Equal(t, BrokerRedis, c.Broker)
	assert.Equal(t, "job_queue", c.QueueName)
	assert.Equal(t, ModePop, c.QueueMode)
	assert.Equal(t, NackDrop, c.NackPolicy)
	assert.Equal(t, "run.sh", c.ScriptName)
	assert.Equal(t, 5*time.Second, c.PopTimeout)
	assert.Zero(t, c.JobTimeout)
	assert.Equal(t, "w1", c.WorkerID)
}

func TestLoadCanonicalizesScriptDir(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	scripts := filepath.Join(root, "scripts")
	require.NoError(t, os.Mkdir(scripts, 0o755))
	require.NoError(t, os.Symlink(scripts, filepath.Join(root, "link")))
	t.Setenv("SCRIPT_DIR", filepath.Join(root, "link", ".", "..", "link"))

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, scripts, c.ScriptDir)
}

func TestLoadErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing script dir", map[string]string{"SCRIPT_DIR": ""}},
		{"nonexistent script dir", map[string]string{"SCRIPT_DIR": "/definitely/not/here"}},
		{"script dir is a file", map[string]string{"SCRIPT_DIR": file}},
		{"bad broker", map[string]string{"BROKER": "kafka"}},
		{"bad mode", map[string]string{"QUEUE_MODE": "fast"}},
		{"bad nack policy", map[string]string{"NACK_POLICY": "requeue"}},
		{"empty script name", map[string]string{"SCRIPT_NAME": ""}},
		{"negative timeout", map[string]string{"JOB_TIMEOUT": "-1s"}},
		{"bad duration", map[string]string{"POP_TIMEOUT": "soon"}},
		{"reliable without worker id", map[string]string{"QUEUE_MODE": "reliable", "WORKER_ID": ""}},
		{"reliable with zero claim ttl", map[string]string{"QUEUE_MODE": "reliable", "WORKER_ID": "w1", "CLAIM_TTL": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SCRIPT_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadWorkerID(t *testing.T) {
	t.Run("pop mode falls back to hostname", func(t *testing.T) {
		t.Setenv("SCRIPT_DIR", t.TempDir())
		t.Setenv("WORKER_ID", "")

		c, err := Load()
		require.NoError(t, err)
		assert.NotEmpty(t, c.WorkerID)
	})
	t.Run("reliable mode keeps the configured id", func(t *testing.T) {
		t.Setenv("SCRIPT_DIR", t.TempDir())
		t.Setenv("QUEUE_MODE", "reliable")
		t.Setenv("WORKER_ID", "deploy-1")

		c, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "deploy-1", c.WorkerID)
		assert.Equal(t, 30*time.Second, c.ClaimTTL)
	})
}

func TestLoadAPI(t *testing.T) {
	t.Setenv("QUEUE_NAME", "hooks")

	c, err := LoadAPI()
	require.NoError(t, err)
	assert.Equal(t, "hooks", c.QueueName)
	assert.Equal(t, ":8080", c.APIAddr)
}
