package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/troupeai/troupe/pkg/kv"
	"github.com/troupeai/troupe/pkg/llms"
)

func user(text string) llms.Message {
	return llms.Message{Role: llms.RoleUser, Content: text}
}

func assistant(text string) llms.Message {
	return llms.Message{Role: llms.RoleAssistant, Content: text}
}

func TestAppendAndHistory(t *testing.T) {
	s := NewStore(kv.NewMemoryStore(), nil)
	ctx := context.Background()

	if err := s.Append(ctx, "u1", "analyst", user("hello"), assistant("hi there")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	history, err := s.History(ctx, "u1", "analyst")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d messages", len(history))
	}
	if history[0].Content != "hello" || history[1].Content != "hi there" {
		t.Errorf("history = %+v", history)
	}

	// Different key pairs are isolated.
	other, err := s.History(ctx, "u2", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("foreign history = %+v", other)
	}
}

func TestAppendDoesNotDeduplicate(t *testing.T) {
	s := NewStore(kv.NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Append(ctx, "u1", "analyst", user("same text")); err != nil {
			t.Fatal(err)
		}
	}
	history, err := s.History(ctx, "u1", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("history = %d, identical appends must all be kept", len(history))
	}
}

func TestSystemMessagesNeverStored(t *testing.T) {
	s := NewStore(kv.NewMemoryStore(), nil)
	ctx := context.Background()

	err := s.Append(ctx, "u1", "analyst",
		llms.Message{Role: llms.RoleSystem, Content: "you are an analyst"},
		user("question"),
	)
	if err != nil {
		t.Fatal(err)
	}
	history, err := s.History(ctx, "u1", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Role != llms.RoleUser {
		t.Errorf("history = %+v", history)
	}

	// An all-system append is a no-op and must not create the key.
	if err := s.Append(ctx, "u3", "analyst", llms.Message{Role: llms.RoleSystem, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	history, err = s.History(ctx, "u3", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("system-only append created history: %+v", history)
	}
}

func TestCapEvictsOldest(t *testing.T) {
	s := NewStore(kv.NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < MaxMessages+10; i++ {
		if err := s.Append(ctx, "u1", "analyst", user(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	history, err := s.History(ctx, "u1", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != MaxMessages {
		t.Fatalf("history = %d, want %d", len(history), MaxMessages)
	}
	if history[0].Content != "msg-10" {
		t.Errorf("oldest surviving = %q, want msg-10", history[0].Content)
	}
	if history[len(history)-1].Content != fmt.Sprintf("msg-%d", MaxMessages+9) {
		t.Errorf("newest = %q", history[len(history)-1].Content)
	}
}

func TestClear(t *testing.T) {
	s := NewStore(kv.NewMemoryStore(), nil)
	ctx := context.Background()

	if err := s.Append(ctx, "u1", "analyst", user("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx, "u1", "analyst"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	history, err := s.History(ctx, "u1", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("history after clear = %+v", history)
	}
	// Clearing an absent key is fine.
	if err := s.Clear(ctx, "u1", "analyst"); err != nil {
		t.Errorf("second clear: %v", err)
	}
}

func TestHistoryExpires(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	store := kv.NewMemoryStoreWithNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	s := NewStore(store, nil)
	ctx := context.Background()

	if err := s.Append(ctx, "u1", "analyst", user("hello")); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(TTL + time.Second)
	mu.Unlock()

	history, err := s.History(ctx, "u1", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("history survived past TTL: %+v", history)
	}
}

func TestAppendRefreshesTTL(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	store := kv.NewMemoryStoreWithNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	s := NewStore(store, nil)
	ctx := context.Background()

	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	if err := s.Append(ctx, "u1", "analyst", user("first")); err != nil {
		t.Fatal(err)
	}
	advance(TTL - time.Minute)
	if err := s.Append(ctx, "u1", "analyst", user("second")); err != nil {
		t.Fatal(err)
	}
	advance(TTL - time.Minute)

	history, err := s.History(ctx, "u1", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d, append should have refreshed the TTL", len(history))
	}
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	s := NewStore(kv.NewMemoryStore(), nil)
	ctx := context.Background()

	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := s.Append(ctx, "u1", "analyst", user(fmt.Sprintf("w%d-%d", w, i))); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	history, err := s.History(ctx, "u1", "analyst")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != writers*perWriter {
		t.Errorf("history = %d, want %d (lost append under contention)", len(history), writers*perWriter)
	}
	// Each writer's own messages stay in order.
	last := make(map[int]int)
	for _, m := range history {
		var w, i int
		if _, err := fmt.Sscanf(m.Content, "w%d-%d", &w, &i); err != nil {
			t.Fatalf("bad content %q", m.Content)
		}
		if prev, ok := last[w]; ok && i <= prev {
			t.Errorf("writer %d out of order: %d after %d", w, i, prev)
		}
		last[w] = i
	}
}
