package download

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/amirmatini/offcache/internal/cache"
)

var (
	// ErrNetworkUnavailable means the admission gate is closed.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrTaskCancelled is the cause recorded for tasks cancelled by a caller.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrSchedulerStopped is the cause recorded for transfers aborted by Stop.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// Priority orders the pending queue. Higher values are served first.
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority parses "high", "medium" or "low".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "medium":
		return Medium, nil
	case "low":
		return Low, nil
	default:
		return Low, fmt.Errorf("unknown priority: %q", s)
	}
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the task occupies its ref (pending or in progress).
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Task is a read-only snapshot of a download.
type Task struct {
	ID              string          `json:"id"`
	RemoteRef       string          `json:"remoteRef"`
	URL             string          `json:"url"`
	Kind            cache.MediaKind `json:"kind"`
	Priority        Priority        `json:"priority"`
	Status          Status          `json:"status"`
	DownloadedBytes int64           `json:"downloadedBytes"`
	TotalBytes      int64           `json:"totalBytes"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Request describes one item for EnqueueMany.
type Request struct {
	RemoteRef string
	URL       string
	Kind      cache.MediaKind
}

// task is the scheduler's mutable record. Everything except downloaded is
// guarded by Scheduler.mu.
type task struct {
	Task
	downloaded atomic.Int64
	seq        uint64
	index      int
	cancel     func(error)
}

func (t *task) snapshot() Task {
	s := t.Task
	s.DownloadedBytes = t.downloaded.Load()
	if t.StartedAt != nil {
		v := *t.StartedAt
		s.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		s.CompletedAt = &v
	}
	return s
}
