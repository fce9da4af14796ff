package moderation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("high:\n  - suicide\n"), 0o600))

	s := NewScreener(FileStore{Path: path}, true)
	require.Equal(t, SeverityNone, s.Screen("overdose", Context{}).Severity)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, s, 20*time.Millisecond) }()

	// fsnotify needs the watch registered before the write lands.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("high:\n  - suicide\n  - overdose\n"), 0o600))

	require.Eventually(t, func() bool {
		return s.Screen("overdose", Context{}).Severity == SeverityHigh
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
