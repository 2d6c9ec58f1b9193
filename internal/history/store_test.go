package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/database"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Store{
		"sqlite": NewSQLiteStore(db),
		"memory": NewMemStore(),
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func ptr(v int64) *int64 { return &v }

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestAppendQueryOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		// Identical timestamps must still come back in append order.
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		for i := range 5 {
			if _, err := s.Append(ctx, "c1", Entry{Role: RoleUser, Content: fmt.Sprint(i), CreatedAt: at}); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
		s.Append(ctx, "c2", Entry{Role: RoleUser, Content: "other"})

		msgs, err := s.Query(ctx, "c1", 0)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		got := fmt.Sprint(contents(msgs))
		if got != "[0 1 2 3 4]" {
			t.Errorf("order = %s", got)
		}
		for i := 1; i < len(msgs); i++ {
			if msgs[i].Seq <= msgs[i-1].Seq {
				t.Errorf("seq not increasing at %d: %d <= %d", i, msgs[i].Seq, msgs[i-1].Seq)
			}
		}
		if msgs[0].ConversationID != "c1" || msgs[0].ID == "" {
			t.Errorf("message identity not set: %+v", msgs[0])
		}
	})
}

func TestQueryLimitKeepsNewest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := range 6 {
			s.Append(ctx, "c1", Entry{Role: RoleUser, Content: fmt.Sprint(i)})
		}
		msgs, err := s.Query(ctx, "c1", 3)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if got := fmt.Sprint(contents(msgs)); got != "[3 4 5]" {
			t.Errorf("limited query = %s, want [3 4 5]", got)
		}
	})
}

func TestUpdateKeepsPosition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Append(ctx, "c1", Entry{Role: RoleUser, Content: "first", PlatformMessageID: ptr(100)})
		s.Append(ctx, "c1", Entry{Role: RoleAssistant, Content: "reply"})
		s.Append(ctx, "c1", Entry{Role: RoleUser, Content: "second", PlatformMessageID: ptr(101)})

		edited := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
		if err := s.Update(ctx, "c1", 100, "first (edited)", edited); err != nil {
			t.Fatalf("Update: %v", err)
		}

		msgs, _ := s.Query(ctx, "c1", 0)
		if got := fmt.Sprint(contents(msgs)); got != "[first (edited) reply second]" {
			t.Errorf("after edit = %s", got)
		}
		if msgs[0].EditedAt == nil || !msgs[0].EditedAt.Equal(edited) {
			t.Errorf("EditedAt = %v, want %v", msgs[0].EditedAt, edited)
		}
		if msgs[1].EditedAt != nil {
			t.Error("unedited message has EditedAt")
		}
		if msgs[2].PlatformMessageID == nil || *msgs[2].PlatformMessageID != 101 {
			t.Errorf("PlatformMessageID = %v", msgs[2].PlatformMessageID)
		}
	})
}

func TestUpdateUnknownMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Append(ctx, "c1", Entry{Role: RoleUser, Content: "x", PlatformMessageID: ptr(1)})

		err := s.Update(ctx, "c1", 999, "y", time.Now())
		if !errors.Is(err, ErrMessageNotFound) {
			t.Errorf("Update unknown = %v, want ErrMessageNotFound", err)
		}
		err = s.Update(ctx, "other", 1, "y", time.Now())
		if !errors.Is(err, ErrMessageNotFound) {
			t.Errorf("Update in wrong conversation = %v, want ErrMessageNotFound", err)
		}
	})
}

func TestAppendBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		got, err := s.AppendBatch(ctx, "c1", []Entry{
			{Role: RoleAssistant, Content: "decision"},
			{Role: RoleUser, Content: "outcome"},
		})
		if err != nil {
			t.Fatalf("AppendBatch: %v", err)
		}
		if len(got) != 2 || got[0].Seq >= got[1].Seq {
			t.Fatalf("AppendBatch returned %+v", got)
		}
		msgs, _ := s.Query(ctx, "c1", 0)
		if fmt.Sprint(contents(msgs)) != "[decision outcome]" {
			t.Errorf("stored = %v", contents(msgs))
		}
		if msgs[0].Role != RoleAssistant || msgs[1].Role != RoleUser {
			t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
		}
	})
}

func TestImageURLRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Append(ctx, "c1", Entry{Role: RoleUser, Content: "look", ImageURL: "https://cdn.example/cat.png"})
		s.Append(ctx, "c1", Entry{Role: RoleUser, Content: "plain"})
		msgs, _ := s.Query(ctx, "c1", 0)
		if msgs[0].ImageURL != "https://cdn.example/cat.png" || msgs[1].ImageURL != "" {
			t.Errorf("image urls = %q, %q", msgs[0].ImageURL, msgs[1].ImageURL)
		}
	})
}

func TestClear(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Append(ctx, "c1", Entry{Role: RoleUser, Content: "a"})
		s.Append(ctx, "c2", Entry{Role: RoleUser, Content: "b"})

		if err := s.Clear(ctx, "c1"); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if msgs, _ := s.Query(ctx, "c1", 0); len(msgs) != 0 {
			t.Errorf("c1 has %d messages after Clear", len(msgs))
		}
		if msgs, _ := s.Query(ctx, "c2", 0); len(msgs) != 1 {
			t.Errorf("c2 has %d messages, want 1", len(msgs))
		}
		if err := s.Clear(ctx, "never"); err != nil {
			t.Errorf("Clear unknown conversation: %v", err)
		}
	})
}

func TestConcurrentAppend(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conv := fmt.Sprintf("c%d", i)
				for j := range 10 {
					if _, err := s.Append(ctx, conv, Entry{Role: RoleUser, Content: fmt.Sprint(j)}); err != nil {
						t.Errorf("Append: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		for i := range 4 {
			msgs, _ := s.Query(ctx, fmt.Sprintf("c%d", i), 0)
			if got := fmt.Sprint(contents(msgs)); got != "[0 1 2 3 4 5 6 7 8 9]" {
				t.Errorf("c%d = %s", i, got)
			}
		}
	})
}
