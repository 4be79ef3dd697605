package adapters

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sagepilot/billing-engine/internal/reconciliation/domain"
)

var (
	ErrProviderNotFound = errors.New("gateway: provider not found")
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	ErrInvalidPayload   = errors.New("gateway: invalid webhook payload")
	ErrEventIgnored     = errors.New("gateway: event type not reconciled")
)

// Adapter turns one payment gateway's webhook deliveries into
// reconciliation tasks.
type Adapter interface {
	Provider() string

	// Verify authenticates the raw delivery against the gateway's
	// signing scheme before anything is parsed.
	Verify(ctx context.Context, payload []byte, headers http.Header) error

	// Parse maps a capture notification to a reconciliation task.
	// Deliveries that carry no settlement return ErrEventIgnored.
	Parse(ctx context.Context, payload []byte) (*domain.Task, error)
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: map[string]Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(adapter.Provider()))
		if provider == "" {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry
}

func (r *Registry) Adapter(provider string) (Adapter, error) {
	if r == nil {
		return nil, ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return adapter, nil
}
