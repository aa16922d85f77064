package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// Probe checks one backing dependency such as Firestore, Redis or the event broker.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type probeHealthRepository struct {
	probes []Probe
	clock  func() time.Time
}

// NewProbeHealthRepository runs the probes concurrently on every Collect call.
func NewProbeHealthRepository(clock func() time.Time, probes ...Probe) (HealthRepository, error) {
	for _, p := range probes {
		if strings.TrimSpace(p.Name) == "" || p.Check == nil {
			return nil, errors.New("health repository: probe requires name and check")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &probeHealthRepository{probes: append([]Probe(nil), probes...), clock: clock}, nil
}

func (r *probeHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	checks := make(map[string]domain.SystemHealthCheck, len(r.probes))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, probe := range r.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			result := r.run(ctx, p)
			mu.Lock()
			checks[p.Name] = result
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			status = domain.HealthStatusError
		case domain.HealthStatusDegraded:
			if status == domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
			}
		}
	}
	return domain.SystemHealthReport{Status: status, Checks: checks, GeneratedAt: r.clock()}, nil
}

func (r *probeHealthRepository) run(ctx context.Context, p Probe) domain.SystemHealthCheck {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.clock()
	err := p.Check(probeCtx)
	end := r.clock()

	check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
	switch {
	case err == nil && probeCtx.Err() == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		check.Status = domain.HealthStatusError
		check.Detail = "timeout"
	case err == nil:
		check.Status = domain.HealthStatusError
		check.Detail = probeCtx.Err().Error()
	default:
		check.Status = domain.HealthStatusDegraded
		check.Detail = err.Error()
	}
	return check
}
