package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/stagehand/internal/observability"
)

// resetForTest provides the single source of truth for resetting package state between tests.
func resetForTest(t *testing.T) {
	t.Helper()

	cfgFile = ""
	observability.ResetForTest()

	origSessions, origStore := newSessionFactory, openResultStore
	t.Cleanup(func() {
		newSessionFactory, openResultStore = origSessions, origStore
		cfgFile = ""
		observability.ResetForTest()
	})
}

// executeCommand runs a fresh command tree with args and returns everything it printed.
func executeCommand(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

// writeFile writes content to name inside dir and returns the full path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// quietConfig silences logging and shortens every wait so failing workflows finish quickly.
const quietConfig = `
logger:
  level: fatal
  log_file: ""
scheduler:
  concurrency: 2
  shutdown_timeout: 1s
timing:
  step: 50ms
  login: 50ms
  nav_settle: 1ms
  short: 1ms
  click_cooldown: 1ms
  poll: 5ms
  type_delay: 0s
  probe_window: 10ms
  interstitial: 10ms
  final_wait: 50ms
  feature_wait: 50ms
  bounce_settle: 1ms
  trailing_pause: 1ms
  section_wait: 10ms
  refresh_pause: 1ms
  round_pause: 1ms
retry:
  click_attempts: 1
  click_backoff: 1ms
  type_attempts: 1
  type_backoff: 1ms
  probe_rechecks: 0
`

// syncBuffer is a bytes.Buffer safe for a command writing while the test reads.
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
