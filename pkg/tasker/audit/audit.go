// Package audit is a hash-chained, tamper-evident record of every event
// Tasker's bus fires, adapted from the teacher's
// services/audit-trail/internal/appendlog.go AppendLog: each entry's hash
// covers its own fields plus the previous entry's hash, so any edit or
// reordering of the in-memory log is detectable by Verify.
//
// It implements eventbus.Sink rather than eventbus.Subscriber because it
// needs every event regardless of name — the "business-logic sink" §4.3
// describes, concretely instantiated.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/swarmguard/tasker/pkg/tasker/eventbus"
)

// Entry is one immutable audit record.
type Entry struct {
	Index      uint64          `json:"index"`
	OccurredAt time.Time       `json:"occurred_at"`
	EventName  string          `json:"event_name"`
	TaskID     string          `json:"task_id"`
	StepID     string          `json:"step_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// Log is an in-memory append-only, hash-chained event record.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewLog constructs an empty audit log.
func NewLog() *Log {
	return &Log{entries: make([]Entry, 0, 1024)}
}

// Emit implements eventbus.Sink: every published event is appended.
func (l *Log) Emit(name string, payload eventbus.Payload) {
	l.Append(name, payload)
}

// Append records one event, chaining its hash to the previous entry's hash.
// Marshal failures fall back to an empty payload rather than dropping the
// entry — an audit record of "something happened" outweighs one with a
// missing payload.
func (l *Log) Append(name string, payload eventbus.Payload) Entry {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := uint64(len(l.entries))
	prev := ""
	if idx > 0 {
		prev = l.entries[idx-1].Hash
	}
	ent := Entry{
		Index:      idx,
		OccurredAt: payload.OccurredAt,
		EventName:  name,
		TaskID:     payload.TaskID,
		StepID:     payload.StepID,
		Payload:    data,
		PrevHash:   prev,
	}
	ent.Hash = hashEntry(ent)
	l.entries = append(l.entries, ent)
	return ent
}

// Get retrieves an entry by its index.
func (l *Log) Get(index uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[index], true
}

// Latest returns the most recently appended entry.
func (l *Log) Latest() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Verify walks the full chain, confirming every entry's hash matches its
// recomputed value and every PrevHash matches its predecessor's Hash.
func (l *Log) Verify() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.entries {
		if hashEntry(l.entries[i]) != l.entries[i].Hash {
			return false
		}
		if i > 0 && l.entries[i-1].Hash != l.entries[i].PrevHash {
			return false
		}
	}
	return true
}

// QueryFilter narrows Query's results.
type QueryFilter struct {
	TaskID    string
	EventName string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Query searches entries by the given filter, in append order.
func (l *Log) Query(filter QueryFilter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]Entry, 0)
	for _, e := range l.entries {
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if filter.EventName != "" && e.EventName != filter.EventName {
			continue
		}
		if !filter.StartTime.IsZero() && e.OccurredAt.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.OccurredAt.After(filter.EndTime) {
			continue
		}
		results = append(results, e)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results
}

func hashEntry(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.OccurredAt.Format(time.RFC3339Nano)))
	h.Write([]byte(e.EventName))
	h.Write([]byte(e.TaskID))
	h.Write([]byte(e.StepID))
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}
