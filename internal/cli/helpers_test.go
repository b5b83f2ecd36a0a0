package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testDB returns a fresh database path.
func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "register.db")
}

// execute runs the root command with args and returns stdout.
func execute(ctx context.Context, args ...string) (string, error) {
	root := NewRootCommand()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(&syncBuffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// jsonResponse is envelope with the payload left encoded.
type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *Problem        `json:"error"`
}

// runJSON runs a command against db in JSON mode and decodes the response.
// into, when non-nil, receives the data payload of a successful response.
func runJSON(t *testing.T, db string, into any, args ...string) (jsonResponse, error) {
	t.Helper()
	full := append([]string{"--db", db, "--format", "json"}, args...)
	out, err := execute(context.Background(), full...)

	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	if into != nil && resp.Status == "ok" {
		require.NoError(t, json.Unmarshal(resp.Data, into))
	}
	return resp, err
}

// mustRunJSON is runJSON for commands that must succeed.
func mustRunJSON(t *testing.T, db string, into any, args ...string) {
	t.Helper()
	resp, err := runJSON(t, db, into, args...)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)
}
