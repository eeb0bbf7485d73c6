package model

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// Status is the lifecycle stage of a runner.
type Status string

const (
	StatusWarming Status = "warming"
	StatusQueue   Status = "queue"
	StatusDone    Status = "done"
)

// Statuses lists every valid status in board order.
var Statuses = []Status{StatusWarming, StatusQueue, StatusDone}

// Valid reports whether s is one of the three known stages.
func (s Status) Valid() bool {
	switch s {
	case StatusWarming, StatusQueue, StatusDone:
		return true
	}
	return false
}

// transitions is the directed set of allowed status changes.
// A done runner never moves again; it can only be removed.
var transitions = map[Status][]Status{
	StatusWarming: {StatusQueue, StatusDone},
	StatusQueue:   {StatusDone, StatusWarming},
}

// CanTransition reports whether a runner in from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MaxNameLen caps runner display names (in runes).
const MaxNameLen = 100

// NormalizeName trims surrounding whitespace and checks the length limit.
// An empty result is returned as-is; callers decide how to report it.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n > MaxNameLen {
		return "", fmt.Errorf("name exceeds maximum length of %d characters", MaxNameLen)
	}
	return name, nil
}

// Runner is one participant on the board.
//
// Timestamps are unix milliseconds. QueueTS and EndTS are nil until the
// runner first enters the corresponding stage and never change afterwards.
type Runner struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         Status `json:"status"`
	StartTS        int64  `json:"start_ts"`
	QueueTS        *int64 `json:"queue_ts"`
	EndTS          *int64 `json:"end_ts"`
	CreatedBy      string `json:"created_by"`
	LastModifiedBy string `json:"last_modified_by"`
}

// Clone returns a copy that shares no pointers with r.
func (r Runner) Clone() Runner {
	if r.QueueTS != nil {
		v := *r.QueueTS
		r.QueueTS = &v
	}
	if r.EndTS != nil {
		v := *r.EndTS
		r.EndTS = &v
	}
	return r
}

// Snapshot is the single shared document holding every runner.
// Version increases by one on every committed write.
type Snapshot struct {
	Version uint64            `json:"version"`
	Runners map[string]Runner `json:"runners"`
}

// NewSnapshot returns an empty snapshot at version zero.
func NewSnapshot() Snapshot {
	return Snapshot{Runners: make(map[string]Runner)}
}

// Clone deep-copies the snapshot so callers can mutate it freely.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Version: s.Version, Runners: make(map[string]Runner, len(s.Runners))}
	for id, r := range s.Runners {
		out.Runners[id] = r.Clone()
	}
	return out
}

// WithStatus returns the ids of runners currently in status.
func (s Snapshot) WithStatus(status Status) []string {
	var ids []string
	for id, r := range s.Runners {
		if r.Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// Columns is the board as displayed: runners grouped by status.
type Columns struct {
	Version uint64   `json:"version"`
	Warming []Runner `json:"warming"`
	Queue   []Runner `json:"queue"`
	Done    []Runner `json:"done"`
}

// Columns groups the snapshot's runners for display. Warming runners are
// listed oldest first; queue and done list the most recent arrival first.
// Ties fall back to id so the order is stable.
func (s Snapshot) Columns() Columns {
	c := Columns{
		Version: s.Version,
		Warming: []Runner{},
		Queue:   []Runner{},
		Done:    []Runner{},
	}
	for _, r := range s.Runners {
		switch r.Status {
		case StatusWarming:
			c.Warming = append(c.Warming, r)
		case StatusQueue:
			c.Queue = append(c.Queue, r)
		case StatusDone:
			c.Done = append(c.Done, r)
		}
	}
	slices.SortFunc(c.Warming, func(a, b Runner) int {
		return cmp.Or(cmp.Compare(a.StartTS, b.StartTS), cmp.Compare(a.ID, b.ID))
	})
	slices.SortFunc(c.Queue, func(a, b Runner) int {
		return cmp.Or(cmp.Compare(deref(b.QueueTS), deref(a.QueueTS)), cmp.Compare(a.ID, b.ID))
	})
	slices.SortFunc(c.Done, func(a, b Runner) int {
		return cmp.Or(cmp.Compare(deref(b.EndTS), deref(a.EndTS)), cmp.Compare(a.ID, b.ID))
	})
	return c
}

func deref(ts *int64) int64 {
	if ts == nil {
		return 0
	}
	return *ts
}
