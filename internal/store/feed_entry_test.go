// feed_entry_test.go — FeedEntryStore 集成测试 (需要 TEST_POSTGRES_CONNECTION_STRING)。
package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	connStr := os.Getenv("TEST_POSTGRES_CONNECTION_STRING")
	if connStr == "" {
		t.Skip("TEST_POSTGRES_CONNECTION_STRING not set")
	}
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		t.Fatalf("connect to db: %v", err)
	}
	return pool
}

func testEntry(id, status, requestID string) FeedEntry {
	return FeedEntry{
		ID:        id,
		Kind:      "user",
		Status:    status,
		RequestID: requestID,
		AlbumID:   "test-album",
		Text:      "prompt for " + id,
		Ts:        time.Now().UTC(),
	}
}

func TestFeedEntryStore(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	store := NewFeedEntryStore(pool)
	ctx := context.Background()

	// Ensure clean state
	pool.Exec(ctx, "DELETE FROM feed_entries WHERE album_id = 'test-album'")

	t.Run("Insert_Then_Get", func(t *testing.T) {
		e := testEntry("test-e1", "thinking", "req-1")
		e.Images = []string{"https://cdn/a.png"}
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
		got, err := store.Get(ctx, "test-e1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got == nil {
			t.Fatal("expected entry, got nil")
		}
		if got.Status != "thinking" || got.RequestID != "req-1" {
			t.Errorf("unexpected row: %+v", got)
		}
		if len(got.Images) != 1 || got.Images[0] != "https://cdn/a.png" {
			t.Errorf("images did not round-trip: %v", got.Images)
		}
	})

	t.Run("Get_Missing_ReturnsNil", func(t *testing.T) {
		got, err := store.Get(ctx, "test-nope")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})

	t.Run("Insert_SameID_OverwritesKeepingSeq", func(t *testing.T) {
		before, err := store.Get(ctx, "test-e1")
		if err != nil || before == nil {
			t.Fatalf("precondition: %v %v", before, err)
		}
		updated := testEntry("test-e1", "error", "req-1")
		updated.Message = "boom"
		if err := store.Insert(ctx, updated); err != nil {
			t.Fatalf("re-insert: %v", err)
		}
		after, err := store.Get(ctx, "test-e1")
		if err != nil || after == nil {
			t.Fatalf("get after: %v %v", after, err)
		}
		if after.Seq != before.Seq {
			t.Errorf("seq changed on overwrite: %d -> %d", before.Seq, after.Seq)
		}
		if after.Status != "error" || after.Message != "boom" {
			t.Errorf("overwrite not applied: %+v", after)
		}
	})

	t.Run("List_NewestFirst_WithCursor", func(t *testing.T) {
		for i := 2; i <= 5; i++ {
			if err := store.Insert(ctx, testEntry(fmt.Sprintf("test-e%d", i), "complete", "")); err != nil {
				t.Fatalf("seed: %v", err)
			}
		}

		page, err := store.List(ctx, FeedListParams{AlbumID: "test-album", Limit: 2})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 2 || page[0].ID != "test-e5" || page[1].ID != "test-e4" {
			t.Fatalf("expected [test-e5 test-e4], got %+v", page)
		}

		older, err := store.List(ctx, FeedListParams{AlbumID: "test-album", Before: "test-e4", Limit: 2})
		if err != nil {
			t.Fatalf("list before: %v", err)
		}
		if len(older) != 2 || older[0].ID != "test-e3" || older[1].ID != "test-e2" {
			t.Fatalf("expected [test-e3 test-e2], got %+v", older)
		}
	})

	t.Run("List_UnknownCursor_EmptyPage", func(t *testing.T) {
		page, err := store.List(ctx, FeedListParams{AlbumID: "test-album", Before: "test-ghost", Limit: 10})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 0 {
			t.Errorf("expected empty page for unknown cursor, got %d rows", len(page))
		}
	})

	t.Run("List_KeywordFilter", func(t *testing.T) {
		page, err := store.List(ctx, FeedListParams{AlbumID: "test-album", Keyword: "for test-e3", Limit: 10})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 1 || page[0].ID != "test-e3" {
			t.Errorf("expected [test-e3], got %+v", page)
		}
	})

	t.Run("SetImages_TerminalOnce", func(t *testing.T) {
		e := testEntry("test-job1", "thinking", "req-img")
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
		n, err := store.SetImages(ctx, "req-img", []string{"https://cdn/1.png", "https://cdn/2.png"})
		if err != nil {
			t.Fatalf("set images: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 row updated, got %d", n)
		}
		got, _ := store.Get(ctx, "test-job1")
		if got.Status != "complete" || len(got.Images) != 2 {
			t.Errorf("terminal state not applied: %+v", got)
		}

		// 迟到的重复事件不再命中
		n, err = store.SetImages(ctx, "req-img", []string{"https://cdn/3.png"})
		if err != nil {
			t.Fatalf("second set images: %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0 rows on duplicate terminal, got %d", n)
		}
	})

	t.Run("MarkFailed_SetsMessage", func(t *testing.T) {
		e := testEntry("test-job2", "thinking", "req-fail")
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
		n, err := store.MarkFailed(ctx, "req-fail", "content policy violation")
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 row updated, got %d", n)
		}
		got, _ := store.Get(ctx, "test-job2")
		if got.Status != "error" || got.Message != "content policy violation" {
			t.Errorf("failure state not applied: %+v", got)
		}
	})

	t.Run("SetProgress_OnlyInFlight", func(t *testing.T) {
		e := testEntry("test-job3", "thinking", "req-prog")
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
		n, err := store.SetProgress(ctx, "req-prog", 0.5)
		if err != nil {
			t.Fatalf("set progress: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 row updated, got %d", n)
		}
		got, _ := store.Get(ctx, "test-job3")
		if got.Progress == nil || *got.Progress != 0.5 {
			t.Errorf("progress not applied: %+v", got)
		}

		// 终态后进度不再更新
		if _, err := store.MarkFailed(ctx, "req-prog", "stopped"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		n, _ = store.SetProgress(ctx, "req-prog", 0.9)
		if n != 0 {
			t.Errorf("expected 0 rows after terminal, got %d", n)
		}
	})

	t.Run("InFlightRequestIDs_OnlyThinkingWithID", func(t *testing.T) {
		if err := store.Insert(ctx, testEntry("test-live", "thinking", "req-live")); err != nil {
			t.Fatalf("insert: %v", err)
		}
		// request_id 为空的在途条目无法追踪, 不应出现
		if err := store.Insert(ctx, testEntry("test-noid", "thinking", "")); err != nil {
			t.Fatalf("insert: %v", err)
		}

		ids, err := store.InFlightRequestIDs(ctx)
		if err != nil {
			t.Fatalf("inflight ids: %v", err)
		}
		got := make(map[string]bool, len(ids))
		for _, id := range ids {
			got[id] = true
		}
		if !got["req-live"] {
			t.Errorf("req-live missing from %v", ids)
		}
		if got[""] {
			t.Error("empty request_id leaked into inflight ids")
		}
		if got["req-img"] || got["req-fail"] {
			t.Errorf("terminal entries leaked into inflight ids: %v", ids)
		}
	})

	t.Run("FailStale_OnlyOldThinking", func(t *testing.T) {
		stale := testEntry("test-stale", "thinking", "req-stale")
		stale.Ts = time.Now().UTC().Add(-2 * time.Hour)
		if err := store.Insert(ctx, stale); err != nil {
			t.Fatalf("insert: %v", err)
		}
		oldDone := testEntry("test-old-done", "complete", "req-old-done")
		oldDone.Ts = time.Now().UTC().Add(-2 * time.Hour)
		if err := store.Insert(ctx, oldDone); err != nil {
			t.Fatalf("insert: %v", err)
		}

		n, err := store.FailStale(ctx, time.Hour, "")
		if err != nil {
			t.Fatalf("fail stale: %v", err)
		}
		if n != 1 {
			t.Errorf("swept %d rows, want 1", n)
		}

		got, _ := store.Get(ctx, "test-stale")
		if got.Status != "error" || got.Message != "generation tracking lost" {
			t.Errorf("stale entry not failed over: %+v", got)
		}
		if fresh, _ := store.Get(ctx, "test-live"); fresh.Status != "thinking" {
			t.Errorf("fresh in-flight entry swept: %+v", fresh)
		}
		if done, _ := store.Get(ctx, "test-old-done"); done.Status != "complete" {
			t.Errorf("terminal entry swept: %+v", done)
		}
	})
}
