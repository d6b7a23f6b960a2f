package model

import "strconv"

// Status is the health state of a monitor or a single check.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Monitor is a user-configured HTTP endpoint to watch. Monitors are owned by
// the external CRUD service; the core only reads them.
type Monitor struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	IntervalSec int      `json:"intervalSec"`
	Regions     []string `json:"regions"`
	Enabled     bool     `json:"enabled"`
}

// Region is a probe location.
type Region struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// CheckJob instructs a checker to probe one monitor from one region.
type CheckJob struct {
	MonitorID    string `json:"monitorId"`
	URL          string `json:"url"`
	Region       string `json:"region"`
	ScheduledFor int64  `json:"scheduledFor"` // Unix seconds
}

// IdempotencyKey identifies this job across redeliveries.
func (j CheckJob) IdempotencyKey() string {
	return j.MonitorID + ":" + j.Region + ":" + strconv.FormatInt(j.ScheduledFor, 10)
}

// CheckResult is the outcome of a single probe.
type CheckResult struct {
	MonitorID      string `json:"monitorId"`
	Region         string `json:"region"`
	Status         Status `json:"status"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	StatusCode     int    `json:"statusCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	Timestamp      int64  `json:"timestamp"` // Unix seconds
}

func (r CheckResult) IdempotencyKey() string {
	return r.MonitorID + ":" + r.Region + ":" + strconv.FormatInt(r.Timestamp, 10)
}

// MonitorState is the evaluator's authoritative per-monitor health record.
// Version supports optimistic concurrency on updates.
type MonitorState struct {
	MonitorID           string `json:"monitorId"`
	CurrentStatus       Status `json:"currentStatus"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastCheckedAt       int64  `json:"lastCheckedAt"`
	LastStateChangeAt   int64  `json:"lastStateChangeAt"`
	Version             int64  `json:"version"`
}

// StateTransition records a change of MonitorState.CurrentStatus. It only
// exists in flight between the evaluator and the alerter.
type StateTransition struct {
	MonitorID  string `json:"monitorId"`
	FromStatus Status `json:"fromStatus"`
	ToStatus   Status `json:"toStatus"`
	Timestamp  int64  `json:"timestamp"`
	Reason     string `json:"reason"`
}

// AlertEvent asks the alerter to notify a user about a state transition.
type AlertEvent struct {
	MonitorID   string `json:"monitorId"`
	UserID      string `json:"userId"`
	MonitorName string `json:"monitorName"`
	MonitorURL  string `json:"monitorUrl"`
	Status      Status `json:"status"`
	Timestamp   int64  `json:"timestamp"`
	Reason      string `json:"reason"`
}

func (e AlertEvent) IdempotencyKey() string {
	return "alert:" + e.MonitorID + ":" + strconv.FormatInt(e.Timestamp, 10)
}

// LifecycleEvent is pushed by the external CRUD service when a monitor is
// mutated.
type LifecycleEvent struct {
	Event     string `json:"event"` // created, updated, deleted
	MonitorID string `json:"monitorId"`
}

// TickEntry is a raw check outcome buffered for bulk persistence.
type TickEntry struct {
	MonitorID    string `json:"monitorId"`
	RegionID     string `json:"regionId"`
	Status       string `json:"status"` // "up" or "down"
	ResponseTime int64  `json:"responseTime"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}
