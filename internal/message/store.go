package message

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by History.Get for ids that are not retained.
	ErrNotFound  = errors.New("message: not found")
	ErrMissingID = errors.New("message: missing id")
)

// PageQuery selects part of a room's history. After and Before are
// exclusive cursors; with neither set the newest messages are returned.
type PageQuery struct {
	After  string
	Before string
	Limit  int
}

// HistoryPage is one page of history, oldest first. NextToken is set when
// more messages follow an After page. Stale reports a cursor that is no
// longer retained, in which case Items is the newest page.
type HistoryPage struct {
	Items     []*Message
	NextToken string
	Stale     bool
}

// History is the development backend's message log.
type History interface {
	Append(ctx context.Context, msg *Message) error
	Page(ctx context.Context, roomID string, q PageQuery) (HistoryPage, error)
	Get(ctx context.Context, id string) (*Message, error)
	Len(ctx context.Context, roomID string) (int, error)
}

// Store keeps the newest messages of each room in memory.
type Store struct {
	mu      sync.RWMutex
	rooms   map[string][]*Message
	byID    map[string]*Message
	maxSize int
}

// NewStore creates a store that retains up to maxSize messages per room.
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Store{
		rooms:   make(map[string][]*Message),
		byID:    make(map[string]*Message),
		maxSize: maxSize,
	}
}

// Append adds msg to its room. Appending an id twice is a no-op.
func (s *Store) Append(_ context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[msg.ID]; ok {
		return nil
	}
	msgs := append(s.rooms[msg.RoomID], msg)
	if over := len(msgs) - s.maxSize; over > 0 {
		for _, old := range msgs[:over] {
			delete(s.byID, old.ID)
		}
		msgs = append([]*Message(nil), msgs[over:]...)
	}
	s.rooms[msg.RoomID] = msgs
	s.byID[msg.ID] = msg
	return nil
}

// Page returns the part of roomID's history selected by q.
func (s *Store) Page(_ context.Context, roomID string, q PageQuery) (HistoryPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.rooms[roomID], q), nil
}

// Get returns a copy of the message with id.
func (s *Store) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m
	return &c, nil
}

// Len returns the number of retained messages in roomID.
func (s *Store) Len(_ context.Context, roomID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID]), nil
}

// paginate applies q to msgs, which are oldest first. The result never
// aliases msgs.
func paginate(msgs []*Message, q PageQuery) HistoryPage {
	limit := q.Limit
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}

	switch {
	case q.After != "":
		i := indexOf(msgs, q.After)
		if i < 0 {
			break
		}
		rest := msgs[i+1:]
		page := HistoryPage{Items: clonePtrs(rest, limit)}
		if len(rest) > limit {
			page.NextToken = page.Items[len(page.Items)-1].ID
		}
		return page
	case q.Before != "":
		i := indexOf(msgs, q.Before)
		if i < 0 {
			break
		}
		start := max(i-limit, 0)
		return HistoryPage{Items: clonePtrs(msgs[start:i], limit)}
	default:
		return HistoryPage{Items: clonePtrs(msgs[len(msgs)-limit:], limit)}
	}

	return HistoryPage{Items: clonePtrs(msgs[len(msgs)-limit:], limit), Stale: true}
}

func indexOf(msgs []*Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func clonePtrs(msgs []*Message, n int) []*Message {
	if n > len(msgs) {
		n = len(msgs)
	}
	out := make([]*Message, n)
	copy(out, msgs[:n])
	return out
}
