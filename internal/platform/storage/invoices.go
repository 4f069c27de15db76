package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/marigold-commerce/api/internal/domain"
)

// InvoiceArchive renders order invoices as JSON documents in Cloud Storage.
// The returned URL is a time-limited signed download link when a signer is
// configured, otherwise the canonical media URL.
type InvoiceArchive struct {
	client *gcs.Client
	bucket string
	signed *Client
	now    func() time.Time
}

// InvoiceArchiveOption customises archive behaviour.
type InvoiceArchiveOption func(*InvoiceArchive)

// WithInvoiceSigner enables signed download URLs for stored invoices.
func WithInvoiceSigner(signed *Client) InvoiceArchiveOption {
	return func(a *InvoiceArchive) {
		a.signed = signed
	}
}

// WithInvoiceClock injects a custom clock.
func WithInvoiceClock(clock func() time.Time) InvoiceArchiveOption {
	return func(a *InvoiceArchive) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewInvoiceArchive constructs an archive writing to the given bucket.
func NewInvoiceArchive(client *gcs.Client, bucket string, opts ...InvoiceArchiveOption) (*InvoiceArchive, error) {
	if client == nil {
		return nil, errors.New("invoice archive: storage client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("invoice archive: bucket is required")
	}
	archive := &InvoiceArchive{
		client: client,
		bucket: bucket,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(archive)
		}
	}
	return archive, nil
}

// invoiceDocument is the stored invoice shape.
type invoiceDocument struct {
	InvoiceNumber string        `json:"invoiceNumber"`
	OrderID       string        `json:"orderId"`
	OrderNumber   string        `json:"orderNumber"`
	UserID        string        `json:"userId"`
	Items         []invoiceLine `json:"items"`
	Totals        invoiceTotals `json:"totals"`
	PaymentMethod string        `json:"paymentMethod"`
	ShipTo        invoiceShipTo `json:"shipTo"`
	IssuedAt      time.Time     `json:"issuedAt"`
}

type invoiceLine struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Color     string  `json:"color"`
	Size      string  `json:"size"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	LineTotal float64 `json:"lineTotal"`
}

type invoiceTotals struct {
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	Shipping float64 `json:"shipping"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
}

type invoiceShipTo struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Pincode string `json:"pincode"`
	Country string `json:"country,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Store renders and uploads the invoice for the given order, returning the
// URL it can be fetched from.
func (a *InvoiceArchive) Store(ctx context.Context, order domain.Order) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("invoice archive: not initialised")
	}
	if ctx == nil {
		return "", errors.New("invoice archive: context is required")
	}
	if strings.TrimSpace(order.ID) == "" {
		return "", errors.New("invoice archive: order id is required")
	}

	invoiceNumber := invoiceNumberFor(order)
	object, err := BuildObjectPath(PurposeInvoice, PathParams{
		OrderID:       order.ID,
		InvoiceNumber: invoiceNumber,
	})
	if err != nil {
		return "", err
	}

	doc := buildInvoiceDocument(order, invoiceNumber, a.now().UTC())
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("invoice archive: marshal invoice: %w", err)
	}

	writer := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("invoice archive: write invoice: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("invoice archive: finalise invoice: %w", err)
	}

	if a.signed != nil {
		result, err := a.signed.SignedURL(ctx, a.bucket, object, SignedURLOptions{
			Download: &DownloadOptions{
				Disposition:    fmt.Sprintf("attachment; filename=%q", invoiceNumber+".json"),
				AllowAnonymous: true,
			},
		})
		if err == nil {
			return result.URL, nil
		}
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", a.bucket, object), nil
}

func invoiceNumberFor(order domain.Order) string {
	if number := strings.TrimSpace(order.OrderNumber); number != "" {
		return "INV-" + number
	}
	return "INV-" + strings.TrimSpace(order.ID)
}

func buildInvoiceDocument(order domain.Order, invoiceNumber string, issuedAt time.Time) invoiceDocument {
	items := make([]invoiceLine, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, invoiceLine{
			ProductID: item.Variant.ProductID,
			Name:      item.ProductName,
			Color:     item.Variant.Color,
			Size:      item.Variant.Size,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: domain.Round2(item.UnitPrice * float64(item.Quantity)),
		})
	}
	return invoiceDocument{
		InvoiceNumber: invoiceNumber,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Items:         items,
		Totals: invoiceTotals{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		PaymentMethod: order.PaymentMethod,
		ShipTo: invoiceShipTo{
			Street:  order.ShippingAddress.Street,
			City:    order.ShippingAddress.City,
			State:   order.ShippingAddress.State,
			Pincode: order.ShippingAddress.Pincode,
			Country: order.ShippingAddress.Country,
			Phone:   order.ShippingAddress.PhoneNumber,
		},
		IssuedAt: issuedAt,
	}
}
