package services

import (
	"context"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

const defaultEarnRate = 100

// LoyaltyServiceDeps bundles collaborators required to construct the loyalty service.
type LoyaltyServiceDeps struct {
	CoreDeps
	// EarnRate is the number of minor currency units per earned point.
	EarnRate int64
}

type loyaltyService struct {
	core
	earnRate int64
}

var _ LoyaltyService = (*loyaltyService)(nil)

// NewLoyaltyService wires dependencies into a concrete LoyaltyService implementation.
func NewLoyaltyService(deps LoyaltyServiceDeps) (LoyaltyService, error) {
	c, err := deps.CoreDeps.build("loyalty service")
	if err != nil {
		return nil, err
	}
	rate := deps.EarnRate
	if rate <= 0 {
		rate = defaultEarnRate
	}
	return &loyaltyService{core: c, earnRate: rate}, nil
}

func (s *loyaltyService) EarnPoints(ctx context.Context, cmd LoyaltyCommand) (domain.LoyaltyTransaction, error) {
	description := sanitizeReason(cmd.Description)
	return s.append(ctx, cmd.OrderID, cmd.ActorID, func(agg *domain.Aggregate) (domain.LoyaltyTransaction, error) {
		if tx, ok := existingEntry(agg, cmd.Once, domain.LoyaltyTypeEarn, description); ok {
			return tx, nil
		}
		return agg.EarnPoints(cmd.Points, description)
	})
}

func (s *loyaltyService) BurnPoints(ctx context.Context, cmd LoyaltyCommand) (domain.LoyaltyTransaction, error) {
	description := sanitizeReason(cmd.Description)
	return s.append(ctx, cmd.OrderID, cmd.ActorID, func(agg *domain.Aggregate) (domain.LoyaltyTransaction, error) {
		if tx, ok := existingEntry(agg, cmd.Once, domain.LoyaltyTypeBurn, description); ok {
			return tx, nil
		}
		return agg.BurnPoints(cmd.Points, description)
	})
}

func existingEntry(agg *domain.Aggregate, once bool, kind domain.LoyaltyType, description string) (domain.LoyaltyTransaction, bool) {
	if !once {
		return domain.LoyaltyTransaction{}, false
	}
	return agg.LoyaltyEntry(kind, description)
}

func (s *loyaltyService) ReverseEarn(ctx context.Context, cmd ReverseLoyaltyCommand) (domain.LoyaltyTransaction, error) {
	return s.append(ctx, cmd.OrderID, cmd.ActorID, func(agg *domain.Aggregate) (domain.LoyaltyTransaction, error) {
		return agg.ReverseEarn(cmd.TransactionID, sanitizeReason(cmd.Reason))
	})
}

func (s *loyaltyService) ReverseBurn(ctx context.Context, cmd ReverseLoyaltyCommand) (domain.LoyaltyTransaction, error) {
	return s.append(ctx, cmd.OrderID, cmd.ActorID, func(agg *domain.Aggregate) (domain.LoyaltyTransaction, error) {
		return agg.ReverseBurn(cmd.TransactionID, sanitizeReason(cmd.Reason))
	})
}

func (s *loyaltyService) PointsFor(total int64) int64 {
	if total <= 0 {
		return 0
	}
	return total / s.earnRate
}

func (s *loyaltyService) append(ctx context.Context, orderID, actor string, fn func(*domain.Aggregate) (domain.LoyaltyTransaction, error)) (domain.LoyaltyTransaction, error) {
	var (
		tx     domain.LoyaltyTransaction
		before int64
	)
	agg, _, err := s.store.mutate(ctx, orderID, actorOrSystem(actor), func(agg *domain.Aggregate) error {
		before = agg.Version()
		var err error
		tx, err = fn(agg)
		return err
	})
	if err != nil {
		return domain.LoyaltyTransaction{}, err
	}
	if agg.Version() == before {
		return tx, nil
	}
	s.logger(ctx, "loyalty.transaction.appended", map[string]any{
		"order":  orderID,
		"type":   string(tx.Type),
		"points": tx.Points,
	})
	return tx, nil
}
