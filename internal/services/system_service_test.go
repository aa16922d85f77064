package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

type stubHealthRepo struct {
	report domain.SystemHealthReport
	err    error
}

func (s stubHealthRepo) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestSystemServiceHealthReportDerivesStatus(t *testing.T) {
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)
	repo := stubHealthRepo{report: domain.SystemHealthReport{
		Checks: map[string]domain.SystemHealthCheck{
			"firestore": {Status: domain.HealthStatusOK},
			"redis":     {Status: domain.HealthStatusDegraded, Detail: "slow"},
		},
	}}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "1.2.3", StartedAt: started},
	})
	if err != nil {
		t.Fatalf("new system service: %v", err)
	}

	health, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	if health.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", health.Status)
	}
	if !health.GeneratedAt.Equal(now) {
		t.Fatalf("expected generated at %s, got %s", now, health.GeneratedAt)
	}
	if health.Uptime != 90*time.Second {
		t.Fatalf("unexpected uptime %s", health.Uptime)
	}
	if health.Build.Version != "1.2.3" {
		t.Fatalf("unexpected build %+v", health.Build)
	}
}

func TestSystemServiceHealthReportWithProbes(t *testing.T) {
	repo, err := repositories.NewProbeHealthRepository(nil,
		repositories.Probe{Name: "memory", Check: func(context.Context) error { return nil }},
		repositories.Probe{Name: "kafka", Check: func(context.Context) error { return errors.New("no brokers") }},
	)
	if err != nil {
		t.Fatalf("probe repository: %v", err)
	}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("new system service: %v", err)
	}

	health, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	if health.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", health.Status)
	}
	if got := health.Checks["kafka"].Detail; got != "no brokers" {
		t.Fatalf("unexpected kafka detail %q", got)
	}
	if health.Checks["memory"].Status != domain.HealthStatusOK {
		t.Fatalf("expected memory ok, got %+v", health.Checks["memory"])
	}
}

func TestSystemServiceRequiresRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error without health repository")
	}
}

type deadlineHealthRepo struct{ deadline time.Time }

func (r *deadlineHealthRepo) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	r.deadline, _ = ctx.Deadline()
	return domain.SystemHealthReport{}, errors.New("firestore unreachable")
}

func TestSystemServiceBoundsCollectionAndWrapsError(t *testing.T) {
	repo := &deadlineHealthRepo{}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new system service: %v", err)
	}

	before := time.Now()
	_, err = svc.HealthReport(context.Background())
	if err == nil || err.Error() != "system service: collect health: firestore unreachable" {
		t.Fatalf("unexpected error %v", err)
	}
	if repo.deadline.IsZero() || repo.deadline.After(before.Add(2*time.Second)) {
		t.Fatalf("expected a one second deadline, got %s", repo.deadline)
	}
}
