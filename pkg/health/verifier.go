package health

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/types"
)

// Policy bounds a verification run
type Policy struct {
	// Retries is the maximum number of probes
	Retries int
	// Interval is the pause between probes
	Interval time.Duration
	// Jitter adds a random [0, Jitter) to each pause
	Jitter time.Duration
	// Deadline caps total wall-clock time regardless of Retries; 0 disables it
	Deadline time.Duration
}

// DefaultPolicy returns 10 probes, 5 seconds apart
func DefaultPolicy() Policy {
	return Policy{
		Retries:  10,
		Interval: 5 * time.Second,
	}
}

// Budget is the worst-case duration of the run
func (p Policy) Budget() time.Duration {
	if p.Retries < 1 {
		return 0
	}
	budget := time.Duration(p.Retries-1) * (p.Interval + p.Jitter)
	if p.Deadline > 0 && p.Deadline < budget {
		return p.Deadline
	}
	return budget
}

// Outcome is the verdict plus every attempt made
type Outcome struct {
	Healthy  bool
	Attempts []types.HealthCheckAttempt
	Elapsed  time.Duration
	// Reason explains an early stop (deadline or cancellation)
	Reason string
}

// Err returns nil when healthy, otherwise a *types.HealthCheckTimeoutError
// carrying the attempt history
func (o Outcome) Err() error {
	if o.Healthy {
		return nil
	}
	return &types.HealthCheckTimeoutError{Attempts: o.Attempts, Reason: o.Reason}
}

// Verifier polls a checker until it reports healthy or the policy runs out.
// The poll is synchronous: Verify returns only when the run is over.
type Verifier struct {
	Clock Clock

	// OnAttempt is called after every probe
	OnAttempt func(types.HealthCheckAttempt)

	// jitter returns a value in [0, n)
	jitter func(n int64) int64
}

// NewVerifier creates a verifier on the wall clock
func NewVerifier() *Verifier {
	return &Verifier{Clock: RealClock}
}

// Verify runs the poll loop. The first healthy probe ends it early.
func (v *Verifier) Verify(ctx context.Context, checker Checker, p Policy) Outcome {
	clock := v.Clock
	if clock == nil {
		clock = RealClock
	}
	if p.Retries < 1 {
		p.Retries = 1
	}

	logger := log.WithComponent("health")
	start := clock.Now()
	var deadline time.Time
	if p.Deadline > 0 {
		deadline = start.Add(p.Deadline)
	}

	out := Outcome{}
	for n := 1; n <= p.Retries; n++ {
		if n > 1 {
			wait := p.Interval + v.jitterFor(p.Jitter)
			if !deadline.IsZero() {
				remaining := deadline.Sub(clock.Now())
				if remaining <= 0 {
					out.Reason = fmt.Sprintf("deadline of %s exceeded", p.Deadline)
					break
				}
				wait = min(wait, remaining)
			}
			if err := clock.Sleep(ctx, wait); err != nil {
				out.Reason = err.Error()
				break
			}
			if !deadline.IsZero() && !clock.Now().Before(deadline) {
				out.Reason = fmt.Sprintf("deadline of %s exceeded", p.Deadline)
				break
			}
		}

		probeStart := clock.Now()
		res := probe(ctx, checker, deadline, probeStart)
		attempt := types.HealthCheckAttempt{
			AttemptNumber:     n,
			HTTPStatusOrError: res.Message,
			Succeeded:         res.Healthy,
			Timestamp:         probeStart,
			Duration:          res.Duration,
		}
		out.Attempts = append(out.Attempts, attempt)

		logger.Debug().
			Int("attempt", n).
			Int("retries", p.Retries).
			Bool("healthy", res.Healthy).
			Str("result", res.Message).
			Msg("Health probe")

		if v.OnAttempt != nil {
			v.OnAttempt(attempt)
		}

		if res.Healthy {
			out.Healthy = true
			break
		}
	}

	out.Elapsed = clock.Now().Sub(start)
	if !out.Healthy && out.Reason == "" {
		out.Reason = fmt.Sprintf("%d of %d probes failed", len(out.Attempts), p.Retries)
	}
	return out
}

// probe runs one check, cut off at the run deadline if there is one
func probe(ctx context.Context, checker Checker, deadline, now time.Time) Result {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline.Sub(now))
		defer cancel()
	}
	return checker.Check(ctx)
}

func (v *Verifier) jitterFor(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	fn := v.jitter
	if fn == nil {
		fn = rand.Int64N
	}
	return time.Duration(fn(int64(max)))
}
