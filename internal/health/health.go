// Package health gates expensive gateway calls behind a cheap reachability
// probe and tracks poll diagnostics. The gateway is fragile embedded
// hardware; the cooldown window here is what stands between it and a retry
// storm.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrCoolingDown indicates a recent failure suppressed this attempt.
var ErrCoolingDown = errors.New("gateway in cooldown after failure")

// latencyWindow is how many recent response times feed the rolling average.
const latencyWindow = 100

// Diagnostics is the point-in-time health summary exposed to consumers.
type Diagnostics struct {
	TotalPolls          int64     `json:"total_polls"`
	Successes           int64     `json:"successes"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	SuccessRate         float64   `json:"success_rate"`
	AverageLatencyMS    float64   `json:"average_latency_ms"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
}

// Checker owns the reachability probe, the failure cooldown window and the
// poll counters. All methods are safe for concurrent use, though in practice
// a single poll cycle drives them.
type Checker struct {
	addr         string
	probeTimeout time.Duration
	cooldown     time.Duration
	logger       zerolog.Logger

	mu            sync.Mutex
	firstPoll     bool
	coolingUntil  time.Time
	totalPolls    int64
	successes     int64
	consecFails   int64
	lastFailureAt time.Time
	lastSuccessAt time.Time
	latencies     []time.Duration
	latencyIdx    int
}

// NewChecker creates a checker probing the given gateway host. A host
// without a port is probed on the gateway's HTTP port.
func NewChecker(host string, probeTimeout, cooldown time.Duration) *Checker {
	addr := host
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "80")
	}
	return &Checker{
		addr:         addr,
		probeTimeout: probeTimeout,
		cooldown:     cooldown,
		logger:       log.With().Str("component", "health").Logger(),
		firstPoll:    true,
	}
}

// Gate decides whether an expensive protocol call may proceed. The first
// call after startup always passes so a false initial backoff cannot occur
// before any baseline exists. After that, a cooldown window rejects attempts
// outright, and a short TCP connect probe must succeed.
func (c *Checker) Gate(ctx context.Context) error {
	c.mu.Lock()
	if c.firstPoll {
		c.firstPoll = false
		c.mu.Unlock()
		return nil
	}
	if until := c.coolingUntil; time.Now().Before(until) {
		c.mu.Unlock()
		return fmt.Errorf("%w until %s", ErrCoolingDown, until.Format(time.RFC3339))
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.logger.Warn().Err(err).Str("addr", c.addr).Msg("Reachability probe failed")
		c.RecordFailure()
		return fmt.Errorf("reachability probe failed: %w", err)
	}
	_ = conn.Close()
	return nil
}

// RecordSuccess counts a completed fetch and its response latency.
func (c *Checker) RecordSuccess(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalPolls++
	c.successes++
	c.consecFails = 0
	c.lastSuccessAt = time.Now()

	if len(c.latencies) < latencyWindow {
		c.latencies = append(c.latencies, latency)
	} else {
		c.latencies[c.latencyIdx] = latency
	}
	c.latencyIdx = (c.latencyIdx + 1) % latencyWindow
}

// RecordFailure counts a failed fetch or probe and opens the cooldown window.
func (c *Checker) RecordFailure() {
	c.mu.Lock()
	c.totalPolls++
	c.consecFails++
	c.lastFailureAt = time.Now()
	c.mu.Unlock()

	c.startCooldown()
}

func (c *Checker) startCooldown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coolingUntil = time.Now().Add(c.cooldown)
}

// CoolingDown reports whether the suppression window is currently open.
func (c *Checker) CoolingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.coolingUntil)
}

// Diagnostics returns a copy of the current counters.
func (c *Checker) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()

	diag := Diagnostics{
		TotalPolls:          c.totalPolls,
		Successes:           c.successes,
		ConsecutiveFailures: c.consecFails,
		LastFailureAt:       c.lastFailureAt,
		LastSuccessAt:       c.lastSuccessAt,
	}
	if c.totalPolls > 0 {
		diag.SuccessRate = float64(c.successes) / float64(c.totalPolls)
	}
	if len(c.latencies) > 0 {
		var sum time.Duration
		for _, l := range c.latencies {
			sum += l
		}
		avg := sum / time.Duration(len(c.latencies))
		diag.AverageLatencyMS = float64(avg.Microseconds()) / 1000.0
	}
	return diag
}
