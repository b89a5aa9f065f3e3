package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// DefaultTranscriptCap is how many transcript lines are kept
const DefaultTranscriptCap = 50

// TranscriptItem is one displayed transcript line
type TranscriptItem struct {
	ID            string        `json:"id"`
	Text          string        `json:"text"`
	Sender        string        `json:"sender"`
	SenderRole    protocol.Role `json:"senderRole"`
	IsTranslation bool          `json:"isTranslation"`
	At            time.Time     `json:"at"`
}

// TranscriptLog is a bounded, append-only log. Past capacity the oldest
// item is dropped.
type TranscriptLog struct {
	mu    sync.RWMutex
	items []TranscriptItem
	cap   int
	now   func() time.Time
}

// NewTranscriptLog creates a log holding at most capacity items
func NewTranscriptLog(capacity int) *TranscriptLog {
	if capacity <= 0 {
		capacity = DefaultTranscriptCap
	}
	return &TranscriptLog{
		items: make([]TranscriptItem, 0, capacity),
		cap:   capacity,
		now:   time.Now,
	}
}

// Append records a line spoken by role
func (l *TranscriptLog) Append(role protocol.Role, text string, isTranslation bool) TranscriptItem {
	item := TranscriptItem{
		ID:            uuid.NewString(),
		Text:          text,
		Sender:        role.Label(),
		SenderRole:    role,
		IsTranslation: isTranslation,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	item.At = l.now()
	if len(l.items) == l.cap {
		copy(l.items, l.items[1:])
		l.items = l.items[:l.cap-1]
	}
	l.items = append(l.items, item)
	return item
}

// Items returns a copy, oldest first
func (l *TranscriptLog) Items() []TranscriptItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]TranscriptItem(nil), l.items...)
}

// Len returns the number of items held
func (l *TranscriptLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Clear drops all items
func (l *TranscriptLog) Clear() {
	l.mu.Lock()
	l.items = l.items[:0]
	l.mu.Unlock()
}
