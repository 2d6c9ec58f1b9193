package history

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and one-shot CLI runs.
type MemStore struct {
	mu    sync.RWMutex
	seq   int64
	convs map[string][]Message
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{convs: make(map[string][]Message)}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Append(ctx context.Context, conversationID string, e Entry) (Message, error) {
	msgs, err := s.AppendBatch(ctx, conversationID, []Entry{e})
	if err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

func (s *MemStore) AppendBatch(ctx context.Context, conversationID string, entries []Entry) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		s.seq++
		m := newMessage(conversationID, e)
		m.Seq = s.seq
		if e.PlatformMessageID != nil {
			id := *e.PlatformMessageID
			m.PlatformMessageID = &id
		}
		out = append(out, m)
	}
	s.convs[conversationID] = append(s.convs[conversationID], out...)
	return out, nil
}

func (s *MemStore) Update(ctx context.Context, conversationID string, platformMessageID int64, content string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	msgs := s.convs[conversationID]
	for i := range msgs {
		if p := msgs[i].PlatformMessageID; p != nil && *p == platformMessageID {
			msgs[i].Content = content
			t := editedAt.UTC()
			msgs[i].EditedAt = &t
			found = true
		}
	}
	if !found {
		return ErrMessageNotFound
	}
	return nil
}

func (s *MemStore) Query(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.convs[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemStore) Clear(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
	return nil
}
