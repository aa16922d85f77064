package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const defaultHealthTimeout = 3 * time.Second

// SystemServiceDeps wires NewSystemService. Timeout bounds a single readiness collection.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	Timeout          time.Duration
}

type systemService struct {
	health  repositories.HealthRepository
	now     func() time.Time
	build   BuildInfo
	timeout time.Duration
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc := &systemService{
		health:  deps.HealthRepository,
		now:     func() time.Time { return clock().UTC() },
		build:   deps.Build,
		timeout: deps.Timeout,
	}
	if svc.timeout <= 0 {
		svc.timeout = defaultHealthTimeout
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	return svc, nil
}

// HealthReport probes the backing dependencies. A probe that does not answer within the timeout is reported
// by the repository itself; only a failure of the collection as a whole is returned as an error.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealth{}, fmt.Errorf("system service: collect health: %w", err)
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Checks == nil {
		report.Checks = make(map[string]domain.SystemHealthCheck)
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	return SystemHealth{
		SystemHealthReport: report,
		Build:              s.build,
		Uptime:             now.Sub(s.build.StartedAt),
	}, nil
}

// worstStatus folds the checks: any error wins, any unknown or degraded status degrades.
func worstStatus(checks map[string]domain.SystemHealthCheck) domain.HealthStatus {
	worst := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			worst = domain.HealthStatusDegraded
		}
	}
	return worst
}
