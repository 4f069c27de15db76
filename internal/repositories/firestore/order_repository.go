package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/marigold-commerce/api/internal/domain"
	pfirestore "github.com/marigold-commerce/api/internal/platform/firestore"
	"github.com/marigold-commerce/api/internal/repositories"
)

const (
	ordersCollection       = "orders"
	orderTxIndexCollection = "orderTransactionIndex"
)

// OrderRepository persists order documents plus a transaction index that
// pins at most one order to each payment transaction. Webhook redelivery
// that retries order creation finds the index and gets the existing order
// back instead of a duplicate.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, base: base}, nil
}

// InsertForTransaction creates the order and claims the transaction index in
// one transaction. If the transaction already has an order the existing one
// is returned untouched, which makes the caller idempotent for free.
func (r *OrderRepository) InsertForTransaction(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return domain.Order{}, errors.New("order insert: id is required")
	}
	transactionID := strings.TrimSpace(order.TransactionID)
	if transactionID == "" {
		return domain.Order{}, errors.New("order insert: transaction id is required")
	}

	var inserted domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		indexRef := client.Collection(orderTxIndexCollection).Doc(transactionID)

		indexSnap, err := tx.Get(indexRef)
		if err == nil {
			existingID, err := indexSnap.DataAt("orderId")
			if err != nil {
				return fmt.Errorf("decode order index %s: %w", transactionID, err)
			}
			orderRef := client.Collection(ordersCollection).Doc(existingID.(string))
			orderSnap, err := tx.Get(orderRef)
			if err != nil {
				return pfirestore.WrapError("order.insert", err)
			}
			var doc orderDocument
			if err := orderSnap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode order %s: %w", orderSnap.Ref.ID, err)
			}
			inserted = doc.toDomain(orderSnap.Ref.ID)
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return err
		}

		orderRef, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, encodeOrderDocument(order)); err != nil {
			return err
		}
		if err := tx.Create(indexRef, map[string]any{
			"orderId":   orderID,
			"createdAt": order.CreatedAt.UTC(),
		}); err != nil {
			return err
		}
		inserted = order
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("order.insert", err)
	}
	return inserted, nil
}

// Update overwrites an existing order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order update: id is required")
	}
	if _, err := r.base.Set(ctx, orderID, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("order.update", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("order.findByID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.Order{}, errors.New("order find: transaction id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("order.findByTransactionID", err)
	}

	iter := client.Collection(ordersCollection).Where("transactionId", "==", transactionID).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, pfirestore.WrapError("order.findByTransactionID", status.Error(codes.NotFound, fmt.Sprintf("order for transaction %s not found", transactionID)))
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("order.findByTransactionID", err)
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := clampPageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("order.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodeListPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("order.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("order.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeListPageToken(listPageToken{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("order.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	OrderNumber        string                  `firestore:"orderNumber"`
	UserID             string                  `firestore:"userId"`
	CartID             string                  `firestore:"cartId"`
	TransactionID      string                  `firestore:"transactionId"`
	Items              []orderLineDocument     `firestore:"items"`
	Subtotal           float64                 `firestore:"subtotal"`
	Discount           float64                 `firestore:"discountAmount"`
	Shipping           float64                 `firestore:"shippingCost"`
	Tax                float64                 `firestore:"taxAmount"`
	Total              float64                 `firestore:"totalAmount"`
	PaymentMethod      string                  `firestore:"paymentMethod"`
	PaymentStatus      string                  `firestore:"paymentStatus"`
	Status             string                  `firestore:"status"`
	ShippingAddress    cartAddressDocument     `firestore:"shippingAddress"`
	Notes              string                  `firestore:"notes,omitempty"`
	CancellationReason string                  `firestore:"cancellationReason,omitempty"`
	CancelledBy        string                  `firestore:"cancelledBy,omitempty"`
	Timestamps         statusTimestampDocument `firestore:"statusTimestamps"`
	InvoiceURL         string                  `firestore:"invoiceUrl,omitempty"`
	CreatedAt          time.Time               `firestore:"createdAt"`
	UpdatedAt          time.Time               `firestore:"updatedAt"`
}

type orderLineDocument struct {
	ProductID   string  `firestore:"productId"`
	Color       string  `firestore:"color"`
	Size        string  `firestore:"size"`
	ProductName string  `firestore:"productName"`
	Quantity    int     `firestore:"quantity"`
	UnitPrice   float64 `firestore:"unitPrice"`
	DesignerRef string  `firestore:"designerRef,omitempty"`
}

type statusTimestampDocument struct {
	Placed     *time.Time `firestore:"placed,omitempty"`
	Processing *time.Time `firestore:"processing,omitempty"`
	Shipped    *time.Time `firestore:"shipped,omitempty"`
	Delivered  *time.Time `firestore:"delivered,omitempty"`
	Cancelled  *time.Time `firestore:"cancelled,omitempty"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	items := make([]orderLineDocument, len(order.Items))
	for i, line := range order.Items {
		items[i] = orderLineDocument{
			ProductID:   strings.TrimSpace(line.Variant.ProductID),
			Color:       strings.TrimSpace(line.Variant.Color),
			Size:        strings.TrimSpace(line.Variant.Size),
			ProductName: strings.TrimSpace(line.ProductName),
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			DesignerRef: strings.TrimSpace(line.DesignerRef),
		}
	}
	return orderDocument{
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		UserID:        strings.TrimSpace(order.UserID),
		CartID:        strings.TrimSpace(order.CartID),
		TransactionID: strings.TrimSpace(order.TransactionID),
		Items:         items,
		Subtotal:      order.Totals.Subtotal,
		Discount:      order.Totals.Discount,
		Shipping:      order.Totals.Shipping,
		Tax:           order.Totals.Tax,
		Total:         order.Totals.Total,
		PaymentMethod: strings.TrimSpace(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		Status:        string(order.Status),
		ShippingAddress: cartAddressDocument{
			Street:      strings.TrimSpace(order.ShippingAddress.Street),
			City:        strings.TrimSpace(order.ShippingAddress.City),
			State:       strings.TrimSpace(order.ShippingAddress.State),
			Pincode:     strings.TrimSpace(order.ShippingAddress.Pincode),
			Country:     strings.TrimSpace(order.ShippingAddress.Country),
			PhoneNumber: strings.TrimSpace(order.ShippingAddress.PhoneNumber),
		},
		Notes:              strings.TrimSpace(order.Notes),
		CancellationReason: strings.TrimSpace(order.CancellationReason),
		CancelledBy:        strings.TrimSpace(order.CancelledBy),
		Timestamps: statusTimestampDocument{
			Placed:     order.Timestamps.Placed,
			Processing: order.Timestamps.Processing,
			Shipped:    order.Timestamps.Shipped,
			Delivered:  order.Timestamps.Delivered,
			Cancelled:  order.Timestamps.Cancelled,
		},
		InvoiceURL: strings.TrimSpace(order.InvoiceURL),
		CreatedAt:  order.CreatedAt.UTC(),
		UpdatedAt:  order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLine, len(d.Items))
	for i, line := range d.Items {
		items[i] = domain.OrderLine{
			Variant: domain.VariantKey{
				ProductID: strings.TrimSpace(line.ProductID),
				Color:     strings.TrimSpace(line.Color),
				Size:      strings.TrimSpace(line.Size),
			},
			ProductName: strings.TrimSpace(line.ProductName),
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			DesignerRef: strings.TrimSpace(line.DesignerRef),
		}
	}
	return domain.Order{
		ID:            id,
		OrderNumber:   strings.TrimSpace(d.OrderNumber),
		UserID:        strings.TrimSpace(d.UserID),
		CartID:        strings.TrimSpace(d.CartID),
		TransactionID: strings.TrimSpace(d.TransactionID),
		Items:         items,
		Totals: domain.CartTotals{
			Subtotal: d.Subtotal,
			Discount: d.Discount,
			Shipping: d.Shipping,
			Tax:      d.Tax,
			Total:    d.Total,
		},
		PaymentMethod: strings.TrimSpace(d.PaymentMethod),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		Status:        domain.OrderStatus(d.Status),
		ShippingAddress: domain.Address{
			Street:      strings.TrimSpace(d.ShippingAddress.Street),
			City:        strings.TrimSpace(d.ShippingAddress.City),
			State:       strings.TrimSpace(d.ShippingAddress.State),
			Pincode:     strings.TrimSpace(d.ShippingAddress.Pincode),
			Country:     strings.TrimSpace(d.ShippingAddress.Country),
			PhoneNumber: strings.TrimSpace(d.ShippingAddress.PhoneNumber),
		},
		Notes:              strings.TrimSpace(d.Notes),
		CancellationReason: strings.TrimSpace(d.CancellationReason),
		CancelledBy:        strings.TrimSpace(d.CancelledBy),
		Timestamps: domain.StatusTimestamps{
			Placed:     d.Timestamps.Placed,
			Processing: d.Timestamps.Processing,
			Shipped:    d.Timestamps.Shipped,
			Delivered:  d.Timestamps.Delivered,
			Cancelled:  d.Timestamps.Cancelled,
		},
		InvoiceURL: strings.TrimSpace(d.InvoiceURL),
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
