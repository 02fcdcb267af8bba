package connection

import (
	"errors"
	"sync"

	"github.com/postalsys/sshmux/internal/channel"
)

// Table is the connection's slot-indexed channel registry: local
// channel ids are dense small integers starting at 0, reused from the
// first free slot before the table grows, and bounded by maxCount
// (spec.md §4.H).
type Table struct {
	mu       sync.Mutex
	slots    []*channel.Channel
	maxCount int
}

// ErrTableFull is returned by Alloc once maxCount channels are live.
var ErrTableFull = errors.New("connection: channel table full")

// NewTable constructs a table that allows at most maxCount simultaneous
// channels.
func NewTable(maxCount int) *Table {
	return &Table{maxCount: maxCount}
}

// Alloc reserves the first free slot (or appends one, up to maxCount)
// and constructs a Channel of the given kind there.
func (t *Table) Alloc(kind channel.Kind, cfg channel.Config) (*channel.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.slots {
		if s == nil {
			ch := channel.New(uint32(i), kind, cfg)
			t.slots[i] = ch
			return ch, nil
		}
	}
	if len(t.slots) >= t.maxCount {
		return nil, ErrTableFull
	}
	ch := channel.New(uint32(len(t.slots)), kind, cfg)
	t.slots = append(t.slots, ch)
	return ch, nil
}

// Get returns the channel at localID, or nil if the slot is empty or
// out of range.
func (t *Table) Get(localID uint32) *channel.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(localID) >= len(t.slots) {
		return nil
	}
	return t.slots[localID]
}

// Free releases localID's slot once its close handshake has completed.
func (t *Table) Free(localID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(localID) < len(t.slots) {
		t.slots[localID] = nil
	}
}

// All returns a snapshot slice of every live channel, for shutdown and
// housekeeping passes that must visit the whole table.
func (t *Table) All() []*channel.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*channel.Channel, 0, len(t.slots))
	for _, s := range t.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
