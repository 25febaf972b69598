package persistence_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/deepfates/haven/internal/persistence"
)

func TestEvents_AppendAssignsContiguousSeqs(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()

	if err := store.CreateSession(ctx, "sess-1", "acp-agent", "/tmp", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 1; i <= 3; i++ {
		seq, err := store.AppendEvent(ctx, "sess-1", persistence.EventSessionUpdate, json.RawMessage(`{"n":1}`))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}

	last, err := store.LastSeq(ctx, "sess-1")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if last != 3 {
		t.Fatalf("expected last seq 3, got %d", last)
	}
}

func TestEvents_SeqSpacesAreIndependentPerSession(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"a", "b"} {
		if err := store.CreateSession(ctx, id, "acp-agent", "/tmp", ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.AppendEvent(ctx, "a", persistence.EventSessionUpdate, nil); err != nil {
		t.Fatalf("append a: %v", err)
	}
	seq, err := store.AppendEvent(ctx, "b", persistence.EventSessionUpdate, nil)
	if err != nil {
		t.Fatalf("append b: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected session b to start at seq 1, got %d", seq)
	}
}

func TestEvents_ListSince(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()

	if err := store.CreateSession(ctx, "sess-1", "acp-agent", "/tmp", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	types := []string{
		persistence.EventUserMessageChunk,
		persistence.EventSessionUpdate,
		persistence.EventSessionUpdate,
		persistence.EventStatusChanged,
	}
	for _, typ := range types {
		if _, err := store.AppendEvent(ctx, "sess-1", typ, json.RawMessage(`{"k":"v"}`)); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}

	events, err := store.ListEvents(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("list since 2: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq 2, got %d", len(events))
	}
	if events[0].Seq != 3 || events[1].Seq != 4 {
		t.Fatalf("unexpected seqs: %d, %d", events[0].Seq, events[1].Seq)
	}
	if events[1].Type != persistence.EventStatusChanged {
		t.Fatalf("unexpected type %q", events[1].Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("payload round trip: %v", err)
	}
	if payload["k"] != "v" {
		t.Fatalf("payload lost: %v", payload)
	}

	all, err := store.ListEvents(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected full log, got %d events", len(all))
	}
}

func TestEvents_ConcurrentAppendsStayGapFree(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()

	if err := store.CreateSession(ctx, "sess-1", "acp-agent", "/tmp", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := store.AppendEvent(ctx, "sess-1", persistence.EventSessionUpdate, nil); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	events, err := store.ListEvents(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("gap at index %d: seq %d", i, ev.Seq)
		}
	}
}

func TestEvents_SurviveReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := dir + "/haven.db"
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := t.Context()

	if err := store.CreateSession(ctx, "sess-1", "acp-agent", "/tmp", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.AppendEvent(ctx, "sess-1", persistence.EventUserMessageChunk, json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	events, err := store.ListEvents(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(events) != 1 || events[0].Type != persistence.EventUserMessageChunk {
		t.Fatalf("log not durable: %+v", events)
	}
}
