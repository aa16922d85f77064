package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orderflow/internal/domain"
	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
)

// OrderRepository stores order roots with embedded items in "orders" and a reference index in
// "orderReferences" keyed by the hashed reference ID.
type OrderRepository struct {
	provider   *pfirestore.Provider
	orders     *pfirestore.BaseRepository[orderDocument]
	references *pfirestore.BaseRepository[orderReferenceDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) *OrderRepository {
	return &OrderRepository{
		provider:   provider,
		orders:     pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		references: pfirestore.NewBaseRepository[orderReferenceDocument](provider, orderReferencesCollection),
	}
}

// Insert creates the order and claims its reference ID atomically. Either document existing is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order, items []domain.OrderItem) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		if err := r.orders.Create(ctx, order.ID, newOrderDocument(order, items)); err != nil {
			return err
		}
		return r.references.Create(ctx, referenceKey(order.ReferenceID), orderReferenceDocument{
			ReferenceID: order.ReferenceID,
			OrderID:     order.ID,
		})
	})
}

// Update performs a compare-and-set on the stored version. The read happens before the write so the
// call can open a transaction that later ledger writes join.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		current, err := r.orders.Get(ctx, order.ID)
		if err != nil {
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.NewConflict("orders.update", fmt.Sprintf("order %s version %d, expected %d", order.ID, current.Data.Version, expectedVersion))
		}
		doc := newOrderDocument(order, nil)
		doc.Items = current.Data.Items
		return r.orders.Set(ctx, order.ID, doc)
	})
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, []domain.OrderItem, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, nil, err
	}
	order, items := doc.Data.toDomain(doc.ID)
	return order, items, nil
}

func (r *OrderRepository) FindByReferenceID(ctx context.Context, referenceID string) (domain.Order, error) {
	ref, err := r.references.Get(ctx, referenceKey(referenceID))
	if err != nil {
		return domain.Order{}, err
	}
	order, _, err := r.FindByID(ctx, ref.Data.OrderID)
	return order, err
}

// referenceKey maps arbitrary client references onto a valid document ID.
func referenceKey(referenceID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(referenceID)))
	return hex.EncodeToString(sum[:])
}

type orderDocument struct {
	ReferenceID string              `firestore:"referenceId"`
	WorkflowID  *string             `firestore:"workflowId,omitempty"`
	State       string              `firestore:"state"`
	Version     int64               `firestore:"version"`
	Currency    string              `firestore:"currency"`
	Items       []orderItemDocument `firestore:"items"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ID          string `firestore:"id"`
	ProductID   string `firestore:"productId"`
	Quantity    int    `firestore:"qty"`
	NetAmount   int64  `firestore:"netAmount"`
	GrossAmount int64  `firestore:"grossAmount"`
	Currency    string `firestore:"currency"`
}

type orderReferenceDocument struct {
	ReferenceID string `firestore:"referenceId"`
	OrderID     string `firestore:"orderId"`
}

func newOrderDocument(order domain.Order, items []domain.OrderItem) orderDocument {
	docItems := make([]orderItemDocument, len(items))
	for i, item := range items {
		docItems[i] = orderItemDocument{
			ID:          item.ID,
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			NetAmount:   item.NetAmount,
			GrossAmount: item.GrossAmount,
			Currency:    item.Currency,
		}
	}
	return orderDocument{
		ReferenceID: order.ReferenceID,
		WorkflowID:  order.WorkflowID,
		State:       string(order.State),
		Version:     order.Version,
		Currency:    order.Currency,
		Items:       docItems,
		CreatedAt:   order.CreatedAt.UTC(),
		UpdatedAt:   order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) (domain.Order, []domain.OrderItem) {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ID:          item.ID,
			OrderID:     id,
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			NetAmount:   item.NetAmount,
			GrossAmount: item.GrossAmount,
			Currency:    item.Currency,
		}
	}
	return domain.Order{
		ID:          id,
		ReferenceID: d.ReferenceID,
		WorkflowID:  d.WorkflowID,
		State:       domain.OrderState(d.State),
		Version:     d.Version,
		Currency:    d.Currency,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}, items
}
