package master

import (
	"io"
	"log/slog"
	"testing"

	"github.com/sadewadee/dispatchd/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChangeGroupConfigUpdatesCount(t *testing.T) {
	cfg := config.Default()
	cfg.Groups = map[int]config.GroupConfig{1: {Count: 2}}
	m := New(cfg, "", discardLogger())

	m.ChangeGroupConfig(1, 5)

	if cfg.Groups[1].Count != 5 {
		t.Fatalf("expected count 5, got %d", cfg.Groups[1].Count)
	}
}

func TestReloadRejectsConcurrentReload(t *testing.T) {
	cfg := config.Default()
	m := New(cfg, "", discardLogger())
	m.state = reloadPreparing

	if m.Reload() {
		t.Fatal("expected Reload to reject while already in progress")
	}
}
