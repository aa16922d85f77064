package domain

import (
	"strings"
	"time"
)

// EarnPoints credits points. Only completed orders earn.
func (a *Aggregate) EarnPoints(points int64, description string) (LoyaltyTransaction, error) {
	if points <= 0 {
		return LoyaltyTransaction{}, &ValidationError{Field: "points", Reason: "must be positive"}
	}
	if a.order.State != OrderStateCompleted {
		return LoyaltyTransaction{}, &BusinessRuleViolation{
			Rule:    RuleEarnRequiresCompleted,
			Current: a.order.State,
			Detail:  "points are earned on completed orders only",
		}
	}
	return a.appendLoyalty(LoyaltyTypeEarn, points, description, nil, a.touch()), nil
}

// BurnPoints debits points against the order.
func (a *Aggregate) BurnPoints(points int64, description string) (LoyaltyTransaction, error) {
	if points <= 0 {
		return LoyaltyTransaction{}, &ValidationError{Field: "points", Reason: "must be positive"}
	}
	if err := a.ensureOpen("loyalty burn"); err != nil {
		return LoyaltyTransaction{}, err
	}
	return a.appendLoyalty(LoyaltyTypeBurn, points, description, nil, a.touch()), nil
}

// ReverseEarn appends a burn offsetting an earlier earn entry.
func (a *Aggregate) ReverseEarn(transactionID, reason string) (LoyaltyTransaction, error) {
	return a.reverse(transactionID, LoyaltyTypeEarn, reason)
}

// ReverseBurn appends an earn offsetting an earlier burn entry.
func (a *Aggregate) ReverseBurn(transactionID, reason string) (LoyaltyTransaction, error) {
	return a.reverse(transactionID, LoyaltyTypeBurn, reason)
}

// LoyaltyBalance returns Σearn − Σburn over the ledger.
func (a *Aggregate) LoyaltyBalance() int64 {
	var balance int64
	for _, tx := range a.loyalty {
		switch tx.Type {
		case LoyaltyTypeEarn:
			balance += tx.Points
		case LoyaltyTypeBurn:
			balance -= tx.Points
		}
	}
	return balance
}

// LoyaltyEntry finds the first original (non-reversal) entry of kind carrying description.
func (a *Aggregate) LoyaltyEntry(kind LoyaltyType, description string) (LoyaltyTransaction, bool) {
	description = strings.TrimSpace(description)
	for _, tx := range a.loyalty {
		if tx.Type == kind && tx.ReversalOf == nil && tx.Description == description {
			return tx, true
		}
	}
	return LoyaltyTransaction{}, false
}

func (a *Aggregate) reverse(transactionID string, original LoyaltyType, reason string) (LoyaltyTransaction, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return LoyaltyTransaction{}, &ValidationError{Field: "transactionId", Reason: "is required"}
	}
	var target *LoyaltyTransaction
	for i := range a.loyalty {
		if a.loyalty[i].ID == transactionID {
			target = &a.loyalty[i]
			break
		}
	}
	if target == nil {
		return LoyaltyTransaction{}, &NotFoundError{Resource: "loyalty transaction", ID: transactionID}
	}
	if target.Type != original {
		return LoyaltyTransaction{}, &ValidationError{Field: "transactionId", Reason: "is not a " + string(original) + " entry"}
	}
	if target.ReversalOf != nil {
		return LoyaltyTransaction{}, &ValidationError{Field: "transactionId", Reason: "is itself a reversal"}
	}
	if a.isReversed(transactionID) {
		return LoyaltyTransaction{}, &BusinessRuleViolation{
			Rule:    RuleAlreadyReversed,
			Current: a.order.State,
			Detail:  "loyalty transaction " + transactionID + " was already reversed",
		}
	}
	return a.appendReversal(*target, reason, a.touch()), nil
}

func (a *Aggregate) isReversed(transactionID string) bool {
	for _, tx := range a.loyalty {
		if tx.ReversalOf != nil && *tx.ReversalOf == transactionID {
			return true
		}
	}
	return false
}

// unreversed lists original entries of the given type that carry no reversal yet.
func (a *Aggregate) unreversed(kind LoyaltyType) []LoyaltyTransaction {
	var out []LoyaltyTransaction
	for _, tx := range a.loyalty {
		if tx.Type == kind && tx.ReversalOf == nil && !a.isReversed(tx.ID) {
			out = append(out, tx)
		}
	}
	return out
}

func (a *Aggregate) appendReversal(original LoyaltyTransaction, reason string, at time.Time) LoyaltyTransaction {
	kind := LoyaltyTypeEarn
	if original.Type == LoyaltyTypeEarn {
		kind = LoyaltyTypeBurn
	}
	ref := original.ID
	description := strings.TrimSpace(reason)
	if description == "" {
		description = "reversal of " + original.ID
	}
	return a.appendLoyalty(kind, original.Points, description, &ref, at)
}

func (a *Aggregate) appendLoyalty(kind LoyaltyType, points int64, description string, reversalOf *string, at time.Time) LoyaltyTransaction {
	tx := LoyaltyTransaction{
		ID:          a.newID(),
		OrderID:     a.order.ID,
		Type:        kind,
		Points:      points,
		Description: strings.TrimSpace(description),
		ReversalOf:  reversalOf,
		CreatedAt:   at,
	}
	a.loyalty = append(a.loyalty, tx)
	a.markInserted(tx.ID)
	return tx
}
