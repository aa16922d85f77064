package domain

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// ReservationLine describes one reservation of a bulk request.
type ReservationLine struct {
	ProductID string
	Quantity  int
	TTL       time.Duration
}

// ReserveStock appends a Reserved hold for the product. A positive ttl sets the expiry.
func (a *Aggregate) ReserveStock(productID string, quantity int, ttl time.Duration) (StockReservation, error) {
	reserved, err := a.ReserveStockBulk([]ReservationLine{{ProductID: productID, Quantity: quantity, TTL: ttl}})
	if err != nil {
		return StockReservation{}, err
	}
	return reserved[0], nil
}

// ReserveStockBulk appends one hold per line, or none when any line is invalid.
func (a *Aggregate) ReserveStockBulk(lines []ReservationLine) ([]StockReservation, error) {
	if len(lines) == 0 {
		return nil, &ValidationError{Field: "lines", Reason: "must not be empty"}
	}
	for i, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return nil, &ValidationError{Field: "lines[" + strconv.Itoa(i) + "].productId", Reason: "is required"}
		}
		if line.Quantity <= 0 {
			return nil, &ValidationError{Field: "lines[" + strconv.Itoa(i) + "].quantity", Reason: "must be positive"}
		}
	}
	if err := a.ensureOpen("stock reservation"); err != nil {
		return nil, err
	}

	now := a.touch()
	reserved := make([]StockReservation, 0, len(lines))
	for _, line := range lines {
		r := StockReservation{
			ID:               a.newID(),
			OrderID:          a.order.ID,
			ProductID:        strings.TrimSpace(line.ProductID),
			QuantityReserved: line.Quantity,
			Status:           ReservationStatusReserved,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if line.TTL > 0 {
			expires := now.Add(line.TTL)
			r.ExpiresAt = &expires
		}
		a.reservations = append(a.reservations, r)
		a.markInserted(r.ID)
		reserved = append(reserved, r)
	}
	return reserved, nil
}

// ConfirmReservation moves a Reserved hold to Confirmed.
func (a *Aggregate) ConfirmReservation(reservationID string) (StockReservation, error) {
	out, err := a.advanceReservations(ReservationStatusConfirmed, "", reservationID)
	if err != nil {
		return StockReservation{}, err
	}
	return out[0], nil
}

// ReleaseReservation returns a Reserved or Confirmed hold to stock.
func (a *Aggregate) ReleaseReservation(reservationID, reason string) (StockReservation, error) {
	out, err := a.advanceReservations(ReservationStatusReleased, reason, reservationID)
	if err != nil {
		return StockReservation{}, err
	}
	return out[0], nil
}

// FulfillReservation moves a Confirmed hold to Fulfilled.
func (a *Aggregate) FulfillReservation(reservationID string) (StockReservation, error) {
	out, err := a.advanceReservations(ReservationStatusFulfilled, "", reservationID)
	if err != nil {
		return StockReservation{}, err
	}
	return out[0], nil
}

// ConfirmAllReservations confirms every Reserved hold.
func (a *Aggregate) ConfirmAllReservations() ([]StockReservation, error) {
	return a.advanceReservations(ReservationStatusConfirmed, "", a.reservationIDs(ReservationStatusReserved)...)
}

// ReleaseAllReservations releases every Reserved or Confirmed hold.
func (a *Aggregate) ReleaseAllReservations(reason string) ([]StockReservation, error) {
	return a.advanceReservations(ReservationStatusReleased, reason,
		a.reservationIDs(ReservationStatusReserved, ReservationStatusConfirmed)...)
}

// FulfillAllReservations fulfils every held reservation. Any hold still Reserved fails the whole call.
func (a *Aggregate) FulfillAllReservations() ([]StockReservation, error) {
	return a.advanceReservations(ReservationStatusFulfilled, "",
		a.reservationIDs(ReservationStatusReserved, ReservationStatusConfirmed)...)
}

// ExpireReservations marks Reserved holds whose expiry passed as Expired.
func (a *Aggregate) ExpireReservations(now time.Time) []StockReservation {
	var due []int
	for i, r := range a.reservations {
		if r.Status == ReservationStatusReserved && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			due = append(due, i)
		}
	}
	if len(due) == 0 {
		return nil
	}
	stamp := a.touch()
	expired := make([]StockReservation, 0, len(due))
	for _, i := range due {
		r := &a.reservations[i]
		r.Status = ReservationStatusExpired
		r.UpdatedAt = stamp
		a.markUpdated(r.ID)
		expired = append(expired, *r)
	}
	return expired
}

// ActiveReservationFor returns the reservation holding stock for the product, if any.
func (a *Aggregate) ActiveReservationFor(productID string) (StockReservation, bool) {
	productID = strings.TrimSpace(productID)
	for _, r := range a.reservations {
		if r.ProductID == productID && r.IsActive() {
			return r, true
		}
	}
	return StockReservation{}, false
}

var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusReserved:  {ReservationStatusConfirmed, ReservationStatusReleased, ReservationStatusExpired},
	ReservationStatusConfirmed: {ReservationStatusFulfilled, ReservationStatusReleased},
}

func canAdvanceReservation(from, to ReservationStatus) bool {
	return slices.Contains(reservationTransitions[from], to)
}

// advanceReservations validates every id before mutating any of them. An empty id list is a no-op.
func (a *Aggregate) advanceReservations(target ReservationStatus, reason string, ids ...string) ([]StockReservation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if target != ReservationStatusReleased {
		if err := a.ensureOpen("reservation update"); err != nil {
			return nil, err
		}
	}

	indexes := make([]int, 0, len(ids))
	for _, id := range ids {
		idx, err := a.reservationIndex(id)
		if err != nil {
			return nil, err
		}
		current := a.reservations[idx]
		if !canAdvanceReservation(current.Status, target) {
			return nil, &BusinessRuleViolation{
				Rule:    RuleReservationLifecycle,
				Current: a.order.State,
				Detail:  "reservation " + current.ID + " is " + string(current.Status) + ", cannot become " + string(target),
			}
		}
		indexes = append(indexes, idx)
	}

	now := a.touch()
	out := make([]StockReservation, 0, len(indexes))
	for _, idx := range indexes {
		r := &a.reservations[idx]
		r.Status = target
		if target == ReservationStatusReleased {
			r.ReleaseReason = strings.TrimSpace(reason)
		}
		r.UpdatedAt = now
		a.markUpdated(r.ID)
		out = append(out, *r)
	}
	return out, nil
}

func (a *Aggregate) reservationIndex(reservationID string) (int, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return -1, &ValidationError{Field: "reservationId", Reason: "is required"}
	}
	for i := range a.reservations {
		if a.reservations[i].ID == reservationID {
			return i, nil
		}
	}
	return -1, &NotFoundError{Resource: "reservation", ID: reservationID}
}

func (a *Aggregate) reservationIDs(statuses ...ReservationStatus) []string {
	var ids []string
	for _, r := range a.reservations {
		for _, status := range statuses {
			if r.Status == status {
				ids = append(ids, r.ID)
				break
			}
		}
	}
	return ids
}
