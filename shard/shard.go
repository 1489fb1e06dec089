package shard

// Package shard describes the unit of work handed to a single test process:
// a filter selecting the tests to run and whether state left behind by the
// previous shard must be kept.

import "strings"

// Delimiter separates test names inside a shard filter.
const Delimiter = ":"

// Metadata is an immutable description of one shard.
type Metadata struct {
	filter        string
	preserveState bool
}

// NewMetadata returns the metadata for a shard running filter.
func NewMetadata(filter string, preserveState bool) Metadata {
	return Metadata{filter: filter, preserveState: preserveState}
}

// Filter returns the opaque test selector of the shard.
func (m Metadata) Filter() string {
	return m.filter
}

// PreserveState reports whether persistent state of the previous shard must
// be kept instead of wiped before this shard starts.
func (m Metadata) PreserveState() bool {
	return m.preserveState
}

// Tests splits the filter into the individual test names it was joined from.
func (m Metadata) Tests() []string {
	return strings.Split(m.filter, Delimiter)
}

// Queue is a FIFO of shards.
type Queue struct {
	items []Metadata
}

// NewQueue returns a queue holding the given shards in order.
func NewQueue(items ...Metadata) *Queue {
	q := &Queue{}
	q.items = append(q.items, items...)
	return q
}

// Push appends a shard at the end of the queue.
func (q *Queue) Push(m Metadata) {
	q.items = append(q.items, m)
}

// Pop removes and returns the shard at the front of the queue. The boolean
// is false if the queue is empty.
func (q *Queue) Pop() (Metadata, bool) {
	if len(q.items) == 0 {
		return Metadata{}, false
	}
	m := q.items[0]
	q.items[0] = Metadata{}
	q.items = q.items[1:]
	return m, true
}

// Len returns the number of queued shards.
func (q *Queue) Len() int {
	return len(q.items)
}

// Items returns a copy of the queued shards, front first.
func (q *Queue) Items() []Metadata {
	out := make([]Metadata, len(q.items))
	copy(out, q.items)
	return out
}
