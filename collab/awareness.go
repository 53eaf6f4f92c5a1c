package collab

import (
	"sort"
	"sync"
	"time"
)

// ephemeral per-session presence state. each session exclusively owns its own
// entry, so updates supersede rather than merge. never persisted, never
// affects document content.

type AwarenessEntry struct {
	SessionId   Id        `json:"sessionId"`
	DisplayName string    `json:"displayName,omitempty"`
	Color       string    `json:"color,omitempty"`
	Cursor      int       `json:"cursor"`
	Cleared     bool      `json:"cleared,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Awareness struct {
	stateLock sync.Mutex
	entries   map[Id]AwarenessEntry
}

func NewAwareness() *Awareness {
	return &Awareness{
		entries: map[Id]AwarenessEntry{},
	}
}

// overwrites the session's entry and returns the stamped entry for broadcast
func (self *Awareness) Set(entry AwarenessEntry) AwarenessEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry.Cleared = false
	entry.UpdatedAt = time.Now()
	self.entries[entry.SessionId] = entry
	return entry
}

// removes the session's entry and returns a cleared entry for broadcast,
// so peers stop rendering the stale cursor
func (self *Awareness) Remove(sessionId Id) (AwarenessEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.entries[sessionId]
	if !ok {
		return AwarenessEntry{}, false
	}
	delete(self.entries, sessionId)
	return AwarenessEntry{
		SessionId: sessionId,
		Cleared:   true,
		UpdatedAt: time.Now(),
	}, true
}

func (self *Awareness) Snapshot() []AwarenessEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := make([]AwarenessEntry, 0, len(self.entries))
	for _, entry := range self.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i int, j int) bool {
		return entries[i].SessionId.LessThan(entries[j].SessionId)
	})
	return entries
}

func (self *Awareness) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}
