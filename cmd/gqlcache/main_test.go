package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gqlcache/internal/keys"
	"gqlcache/internal/storage"
)

// writeStoreConfig writes a config using a file store under a temp dir and
// returns the config path and store directory
func writeStoreConfig(t *testing.T, endpoint string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")
	content := `
logLevel: error
endpoint: "` + endpoint + `"
cache:
  store:
    type: file
    path: "` + storeDir + `"
`
	path := filepath.Join(dir, "gqlcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, storeDir
}

func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(context.Background(), append([]string{"gqlcache"}, args...))
	return stdout.String(), stderr.String(), err
}

func seedStore(t *testing.T, storeDir string) {
	t.Helper()
	store, err := storage.OpenFileStore(storeDir)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	put := func(key, value string, expiresAt time.Time) {
		require.NoError(t, store.Set(keys.ExpiryKey(key), strconv.FormatInt(expiresAt.UnixMilli(), 10)))
		require.NoError(t, store.Set(key, value))
	}
	put(keys.Prefix+"1", `{"old":true}`, now.Add(-time.Hour))
	put(keys.Prefix+"2", `{"fresh":true}`, now.Add(time.Hour))
	require.NoError(t, store.Set("session", "keep"))
}

func TestSweepCommand(t *testing.T) {
	cfgPath, storeDir := writeStoreConfig(t, "")
	seedStore(t, storeDir)

	stdout, _, err := runApp(t, "--config", cfgPath, "sweep")
	require.NoError(t, err)
	assert.Contains(t, stdout, "removed 1 expired entries")

	store, err := storage.OpenFileStore(storeDir)
	require.NoError(t, err)
	_, ok := store.Get(keys.Prefix + "1")
	assert.False(t, ok)
	_, ok = store.Get(keys.Prefix + "2")
	assert.True(t, ok)
}

func TestInspectCommand(t *testing.T) {
	cfgPath, storeDir := writeStoreConfig(t, "")
	seedStore(t, storeDir)

	stdout, _, err := runApp(t, "-c", cfgPath, "inspect")
	require.NoError(t, err)

	lines := strings.Split(stdout, "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, []string{"KEY", "SIZE", "EXPIRES", "STATE"}, strings.Fields(lines[0]))

	rowFor := func(key string) string {
		for _, line := range lines[1:] {
			if fields := strings.Fields(line); len(fields) > 0 && fields[0] == key {
				return line
			}
		}
		return ""
	}
	assert.Contains(t, rowFor(keys.Prefix+"1"), "expired")
	assert.Contains(t, rowFor(keys.Prefix+"2"), "fresh")
	assert.NotContains(t, stdout, "session")
	assert.Contains(t, stdout, "2 entries")
}

func TestClearCommand(t *testing.T) {
	cfgPath, storeDir := writeStoreConfig(t, "")
	seedStore(t, storeDir)

	stdout, _, err := runApp(t, "-c", cfgPath, "clear")
	require.NoError(t, err)
	assert.Contains(t, stdout, "removed 4 records")

	store, err := storage.OpenFileStore(storeDir)
	require.NoError(t, err)
	value, ok := store.Get("session")
	assert.True(t, ok)
	assert.Equal(t, "keep", value)
}

func TestQueryCommand(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"ping":"pong"}}`))
	}))
	defer upstream.Close()

	cfgPath, _ := writeStoreConfig(t, upstream.URL)

	stdout, stderr, err := runApp(t, "-c", cfgPath, "query", "-o", "Ping", "query Ping { ping }")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"ping": "pong"`)
	assert.Contains(t, stderr, "cache: MISS")

	_, stderr, err = runApp(t, "-c", cfgPath, "query", "-o", "Ping", "query Ping { ping }")
	require.NoError(t, err)
	assert.Contains(t, stderr, "cache: HIT")
	assert.Equal(t, 1, calls)
}

func TestQueryCommand_RequiresQuery(t *testing.T) {
	cfgPath, _ := writeStoreConfig(t, "http://localhost/graphql")

	_, _, err := runApp(t, "-c", cfgPath, "query")
	assert.Error(t, err)
}

func TestQueryCommand_InvalidVariables(t *testing.T) {
	cfgPath, _ := writeStoreConfig(t, "http://localhost/graphql")

	_, _, err := runApp(t, "-c", cfgPath, "query", "--variables", "{nope", "{ ping }")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "variables"))
}
