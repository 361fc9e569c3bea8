package scheduler

import (
	"container/heap"
	"time"
)

// Entry is a queued automatic sync
type Entry struct {
	FamilyID   string    `json:"family_id"`
	UserID     string    `json:"user_id"`
	DueAt      time.Time `json:"due_at"`
	Priority   int       `json:"priority"`
	WithBackup bool      `json:"with_backup"`
	Recurring  bool      `json:"recurring"`

	seq   uint64
	index int
}

// entryQueue orders entries by priority descending, then due time, then insertion
type entryQueue []*Entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}
	return a.seq < b.seq
}

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x interface{}) {
	e := x.(*Entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

var _ heap.Interface = (*entryQueue)(nil)
