package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/outfox/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{PageID: "1", Kind: KindCommand, Action: "say"}); err != nil {
		t.Fatalf("ephemeral append: %v", err)
	}
	events, err := es.ListPageEvents(ctx, "1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events from ephemeral store, got %v, %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	pageID := `"tab-7"`
	if err := es.OpenPage(context.Background(), pageID, "outfox"); err != nil {
		t.Fatalf("open page: %v", err)
	}
	for _, evt := range []Event{
		{PageID: pageID, Kind: KindCommand, Action: "say", Channel: 2, Payload: []byte(`{"text":"hi"}`)},
		{PageID: pageID, Kind: KindNotification, Action: "started-say", Channel: 2},
	} {
		if err := es.AppendEvent(context.Background(), evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListPageEvents(context.Background(), pageID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type() != "command.say" || events[1].Type() != "notification.started-say" {
		t.Fatalf("unexpected order: %s, %s", events[0].Type(), events[1].Type())
	}
	if string(events[0].Payload) != `{"text":"hi"}` || events[0].Channel != 2 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestPruneByDaysAndPages(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenPage(context.Background(), "old-page", "outfox"); err != nil {
		t.Fatalf("open page: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{PageID: "old-page", Kind: KindCommand, Action: "stop"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenPage(context.Background(), "new-page", "outfox"); err != nil {
		t.Fatalf("open page: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListPageEvents(context.Background(), "old-page", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old page pruned")
	}
}
