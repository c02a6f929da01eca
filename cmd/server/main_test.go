package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/guarddog/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestScanCommand(t *testing.T) {
	dir := t.TempDir()

	t.Run("Text File", func(t *testing.T) {
		path := filepath.Join(dir, "note.txt")
		require.NoError(t, os.WriteFile(path, []byte("contact jane@example.com"), 0o600))

		out, err := execute(t, "scan", "--source", "notes", path)
		require.NoError(t, err)

		var violations []models.Violation
		require.NoError(t, json.Unmarshal([]byte(out), &violations))
		require.Len(t, violations, 1)
		assert.Equal(t, "email", violations[0].Subtype)
		assert.Equal(t, "notes", violations[0].Source)
		assert.NotContains(t, out, "jane@example.com")
	})

	t.Run("Transaction File", func(t *testing.T) {
		path := filepath.Join(dir, "tx.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"id":"tx-1","account_id":"acc-1","amount":20000,"currency":"USD"}`), 0o600))

		out, err := execute(t, "scan", "--type", "transaction", "--source", "billing", path)
		require.NoError(t, err)
		assert.Contains(t, out, "high_value")
	})

	t.Run("Unknown Type", func(t *testing.T) {
		path := filepath.Join(dir, "empty.txt")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

		_, err := execute(t, "scan", "--type", "video", path)
		assert.Error(t, err)
	})
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("GUARDDOG_SERVER_JWT_SECRET", "cli-secret")

	out, err := execute(t, "token", "--user", "alice", "--ttl", "1h")
	require.NoError(t, err)
	assert.Regexp(t, `^[\w-]+\.[\w-]+\.[\w-]+\n$`, out)
}
