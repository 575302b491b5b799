// Package metrics collects counters during plan execution and renders the
// summary printed after apply and destroy runs.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics counts resource outcomes. Counter updates are atomic so the
// per-wave workers can record without coordination.
type Metrics struct {
	mu sync.Mutex

	created   int64
	updated   int64
	deleted   int64
	unchanged int64
	failed    int64

	provisionTime time.Duration
	startTime     time.Time
}

// NewMetrics creates a Metrics instance anchored at the current time.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordCreated increments the created resources counter.
func (m *Metrics) RecordCreated() {
	atomic.AddInt64(&m.created, 1)
}

// RecordUpdated increments the updated resources counter.
func (m *Metrics) RecordUpdated() {
	atomic.AddInt64(&m.updated, 1)
}

// RecordDeleted increments the deleted resources counter.
func (m *Metrics) RecordDeleted() {
	atomic.AddInt64(&m.deleted, 1)
}

// RecordUnchanged increments the unchanged resources counter.
func (m *Metrics) RecordUnchanged() {
	atomic.AddInt64(&m.unchanged, 1)
}

// RecordFailed increments the failed resources counter.
func (m *Metrics) RecordFailed() {
	atomic.AddInt64(&m.failed, 1)
}

// RecordProvisionTime adds the wall time one resource operation took.
func (m *Metrics) RecordProvisionTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisionTime += d
}

// Report is the summary of one engine run.
type Report struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Created   int64         `json:"created"`
	Updated   int64         `json:"updated"`
	Deleted   int64         `json:"deleted"`
	Unchanged int64         `json:"unchanged"`
	Failed    int64         `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// GenerateReport snapshots the counters into a Report.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	return Report{
		StartTime: m.startTime,
		EndTime:   endTime,
		Created:   atomic.LoadInt64(&m.created),
		Updated:   atomic.LoadInt64(&m.updated),
		Deleted:   atomic.LoadInt64(&m.deleted),
		Unchanged: atomic.LoadInt64(&m.unchanged),
		Failed:    atomic.LoadInt64(&m.failed),
		Duration:  endTime.Sub(m.startTime),
	}
}

// MarshalJSON formats the duration as a string so the JSON report stays
// readable.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String renders the terraform-style one-line summary.
func (r Report) String() string {
	return fmt.Sprintf(
		"Apply complete in %s: %d created, %d updated, %d deleted, %d unchanged, %d failed",
		r.Duration.Round(time.Millisecond),
		r.Created, r.Updated, r.Deleted, r.Unchanged, r.Failed,
	)
}
