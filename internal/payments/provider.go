package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/marigold-commerce/api/internal/domain"
)

// ErrUnsupportedGateway is returned when the manager cannot locate a provider.
var ErrUnsupportedGateway = errors.New("payments: unsupported gateway")

// ErrInvalidSignature is returned when a webhook fails authenticity checks.
// Callers acknowledge such webhooks without mutating any record.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// ErrMalformedPayload is returned when a webhook body cannot be decoded.
var ErrMalformedPayload = errors.New("payments: malformed webhook payload")

// SessionRequest captures the payload required to open a gateway session.
// Amount is in rupees; providers convert to paise at the wire boundary.
type SessionRequest struct {
	TransactionID string
	UserID        string
	Amount        float64
	Currency      string
	RedirectURL   string
	CallbackURL   string
	Metadata      map[string]string
}

// Session represents the gateway session returned to the client.
type Session struct {
	Gateway        string
	GatewayOrderID string
	RedirectURL    string
	ClientSecret   string
	ExpiresAt      time.Time
	Raw            map[string]any
}

// StatusResult normalises a gateway-side status lookup for reconciliation.
type StatusResult struct {
	TransactionID  string
	GatewayOrderID string
	Status         domain.PaymentStatus
	Amount         float64
	Raw            map[string]any
}

// WebhookEvent is the normalised form of a verified gateway callback.
type WebhookEvent struct {
	Gateway        string
	Event          string
	TransactionID  string
	GatewayOrderID string
	Status         domain.PaymentStatus
	Amount         float64
	FailureReason  string
	Raw            map[string]any
}

// Provider defines the contract for payment gateway adapters to implement.
type Provider interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	VerifyStatus(ctx context.Context, transactionID string) (StatusResult, error)
	ParseWebhook(ctx context.Context, body []byte, headers http.Header) (WebhookEvent, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers      map[string]Provider
	defaultGateway string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultGateway sets the provider used when no gateway is named.
func WithDefaultGateway(gateway string) ManagerOption {
	return func(m *Manager) {
		m.defaultGateway = strings.TrimSpace(strings.ToLower(gateway))
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{providers: copyMap}
	if len(copyMap) == 1 {
		for key := range copyMap {
			m.defaultGateway = key
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Supports reports whether the named gateway has a registered provider.
func (m *Manager) Supports(gateway string) bool {
	_, _, err := m.resolve(gateway)
	return err == nil
}

func (m *Manager) resolve(gateway string) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if key := strings.TrimSpace(strings.ToLower(gateway)); key != "" {
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, key)
	}
	if m.defaultGateway != "" {
		if p, ok := m.providers[m.defaultGateway]; ok {
			return m.defaultGateway, p, nil
		}
	}
	return "", nil, ErrUnsupportedGateway
}

// CreateSession delegates to the resolved provider.
func (m *Manager) CreateSession(ctx context.Context, gateway string, req SessionRequest) (Session, error) {
	key, provider, err := m.resolve(gateway)
	if err != nil {
		return Session{}, err
	}
	session, err := provider.CreateSession(ctx, req)
	if err != nil {
		return Session{}, err
	}
	session.Gateway = key
	return session, nil
}

// VerifyStatus delegates to the resolved provider.
func (m *Manager) VerifyStatus(ctx context.Context, gateway, transactionID string) (StatusResult, error) {
	_, provider, err := m.resolve(gateway)
	if err != nil {
		return StatusResult{}, err
	}
	return provider.VerifyStatus(ctx, transactionID)
}

// ParseWebhook delegates to the resolved provider.
func (m *Manager) ParseWebhook(ctx context.Context, gateway string, body []byte, headers http.Header) (WebhookEvent, error) {
	key, provider, err := m.resolve(gateway)
	if err != nil {
		return WebhookEvent{}, err
	}
	event, err := provider.ParseWebhook(ctx, body, headers)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.Gateway = key
	return event, nil
}
