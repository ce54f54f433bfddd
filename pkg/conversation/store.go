// Package conversation keeps the rolling per-user, per-agent message log in
// the KV store. Histories are capped and expire after an hour of silence;
// system prompts are rebuilt every turn and never stored.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/troupeai/troupe/pkg/kv"
	"github.com/troupeai/troupe/pkg/llms"
)

const (
	keyPrefix  = "conversation:"
	lockPrefix = "conversation_lock:"

	// MaxMessages is the history cap; the oldest entries are evicted.
	MaxMessages = 50

	// TTL is refreshed on every append.
	TTL = time.Hour

	lockTTL      = 5 * time.Second
	lockRetryGap = 10 * time.Millisecond
	lockAttempts = 200
)

// Store is the conversation log. Safe for concurrent use; concurrent
// appends to the same key are serialized through a short-lived KV lock.
type Store struct {
	store  kv.Store
	logger *slog.Logger
}

// NewStore creates a conversation store over the given KV backend.
func NewStore(store kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, logger: logger}
}

func key(userID, agentID string) string {
	return keyPrefix + userID + ":" + agentID
}

// Append adds messages to the history, evicting the oldest entries beyond
// the cap and refreshing the TTL. System messages are silently dropped.
func (s *Store) Append(ctx context.Context, userID, agentID string, msgs ...llms.Message) error {
	kept := msgs[:0:0]
	for _, m := range msgs {
		if m.Role == llms.RoleSystem {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return nil
	}

	k := key(userID, agentID)
	unlock, err := s.lock(ctx, k)
	if err != nil {
		return err
	}
	defer unlock()

	history, err := s.load(ctx, k)
	if err != nil {
		return err
	}
	history = append(history, kept...)
	if len(history) > MaxMessages {
		history = history[len(history)-MaxMessages:]
	}

	encoded, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", k, err)
	}
	if err := s.store.SetEx(ctx, k, string(encoded), TTL); err != nil {
		return fmt.Errorf("store conversation %s: %w", k, err)
	}
	return nil
}

// History returns the stored messages, oldest first. A missing or expired
// key yields an empty history, not an error.
func (s *Store) History(ctx context.Context, userID, agentID string) ([]llms.Message, error) {
	return s.load(ctx, key(userID, agentID))
}

// Clear removes the history for one user and agent.
func (s *Store) Clear(ctx context.Context, userID, agentID string) error {
	if err := s.store.Del(ctx, key(userID, agentID)); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, k string) ([]llms.Message, error) {
	raw, ok, err := s.store.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", k, err)
	}
	if !ok {
		return nil, nil
	}
	var history []llms.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		// A corrupt entry is unrecoverable; start fresh rather than
		// poison every later append.
		s.logger.Warn("corrupt conversation history dropped", "key", k, "error", err)
		return nil, nil
	}
	return history, nil
}

// lock takes the per-key append lock, spinning briefly when contended. The
// returned func releases it.
func (s *Store) lock(ctx context.Context, k string) (func(), error) {
	lockKey := lockPrefix + k
	for i := 0; i < lockAttempts; i++ {
		ok, err := s.store.SetNX(ctx, lockKey, "1", lockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock conversation %s: %w", k, err)
		}
		if ok {
			return func() {
				if err := s.store.Del(context.WithoutCancel(ctx), lockKey); err != nil {
					s.logger.Warn("conversation unlock failed", "key", k, "error", err)
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryGap):
		}
	}
	return nil, fmt.Errorf("lock conversation %s: contended past %v", k, lockTTL)
}
