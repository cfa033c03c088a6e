package model

import "time"

// FetchTask describes one (symbol, exchange) fetch window for a run.
// WindowStart already accounts for the listing date; ResumePoint is the
// narrowed lower bound after the incremental check and never precedes
// WindowStart. Tasks are ephemeral and never persisted.
type FetchTask struct {
	Symbol      string
	NativePair  string
	Exchange    Exchange
	WindowStart time.Time
	WindowEnd   time.Time
	ResumePoint time.Time
	ListingDate *time.Time
}

// FetchStart returns the effective lower bound of the fetch window.
func (t FetchTask) FetchStart() time.Time {
	if t.ResumePoint.After(t.WindowStart) {
		return t.ResumePoint
	}
	return t.WindowStart
}

// SupportRecord is the persisted support state for a (symbol, exchange)
// pair. Written by the exchange-support checker and by listing-date
// discovery; read by the task resolver.
type SupportRecord struct {
	Symbol      string
	Exchange    Exchange
	Supported   bool
	ListingDate *time.Time
}

// TaskStatus is the terminal state of a single fetch task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskSkipped   TaskStatus = "skipped"
	TaskFailed    TaskStatus = "failed"
)

// TaskOutcome reports how a task ended. A completed task may still
// carry Err when the adapter returned partial data; RowsWritten then
// reflects what was salvaged.
type TaskOutcome struct {
	Task        FetchTask
	Status      TaskStatus
	RowsWritten int
	Events      int
	Err         error
}

// SkippedTask is a task the resolver dropped before fetching, reported
// for observability rather than silently discarded.
type SkippedTask struct {
	Symbol   string
	Exchange Exchange
	Reason   string
}

// RunSummary aggregates the outcomes of one pipeline run.
type RunSummary struct {
	RunID       string
	Started     time.Time
	Finished    time.Time
	Outcomes    []TaskOutcome
	Skipped     []SkippedTask
	RowsWritten int
}

// Completed returns the number of tasks that reached a successful
// terminal state.
func (s RunSummary) Completed() int { return s.countStatus(TaskCompleted) }

// Failed returns the number of tasks whose outcome is a failure.
func (s RunSummary) Failed() int { return s.countStatus(TaskFailed) }

// SkippedCount includes tasks skipped by the tracker and tasks dropped
// by the resolver.
func (s RunSummary) SkippedCount() int {
	return s.countStatus(TaskSkipped) + len(s.Skipped)
}

func (s RunSummary) countStatus(st TaskStatus) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == st {
			n++
		}
	}
	return n
}
