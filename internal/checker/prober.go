package checker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	userAgent         = "Vigil/1.0"
	maxResponseTimeMs = 60000
)

// ProbeOutcome is the classified result of a single HTTP probe.
type ProbeOutcome struct {
	Up             bool
	ResponseTimeMs int64
	StatusCode     int
	ErrorMessage   string
}

// Prober executes bounded HTTP probes. A probe never returns an error: every
// failure mode is classified into a DOWN outcome with a short diagnostic.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber creates a prober with the given hard per-probe timeout. Redirects
// are followed.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Probe issues one GET against target and classifies the outcome. HTTP status
// in [200,400) means UP; anything else, including transport errors and
// timeouts, means DOWN.
func (p *Prober) Probe(ctx context.Context, target string) ProbeOutcome {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ProbeOutcome{
			Up:           false,
			ErrorMessage: fmt.Sprintf("create request: %v", err),
		}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	elapsed := elapsedMs(start)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "Request timeout"
		}
		return ProbeOutcome{
			Up:             false,
			ResponseTimeMs: elapsed,
			ErrorMessage:   msg,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return ProbeOutcome{
			Up:             true,
			ResponseTimeMs: elapsed,
			StatusCode:     resp.StatusCode,
		}
	}
	return ProbeOutcome{
		Up:             false,
		ResponseTimeMs: elapsed,
		StatusCode:     resp.StatusCode,
		ErrorMessage:   fmt.Sprintf("HTTP %d", resp.StatusCode),
	}
}

// elapsedMs clamps wall-clock elapsed time, guarding against clock anomalies.
func elapsedMs(start time.Time) int64 {
	ms := time.Since(start).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms > maxResponseTimeMs {
		ms = maxResponseTimeMs
	}
	return ms
}
