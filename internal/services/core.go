package services

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/orderflow/internal/repositories"
)

// CoreDeps bundles the collaborators every order use case shares.
type CoreDeps struct {
	Registry         repositories.Registry
	Audit            AuditLogService
	Events           OrderEventPublisher
	Clock            func() time.Time
	IDGenerator      func() string
	Logger           func(ctx context.Context, event string, fields map[string]any)
	ConflictAttempts int
}

type core struct {
	store   *aggregateStore
	journal *journal
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

func (d CoreDeps) build(service string) (core, error) {
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time { return clock().UTC() }

	idGen := d.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := d.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	store, err := newAggregateStore(d.Registry, utc, idGen, d.ConflictAttempts)
	if err != nil {
		return core{}, fmt.Errorf("%s: %w", service, err)
	}
	return core{
		store: store,
		journal: &journal{
			journeys: store.journeys,
			audit:    d.Audit,
			events:   d.Events,
			clock:    utc,
			newID:    idGen,
			logger:   logger,
		},
		clock:  utc,
		newID:  idGen,
		logger: logger,
	}, nil
}
