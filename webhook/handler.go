// ABOUTME: Dispatches normalized webhook events to the sync engine
// ABOUTME: Deliveries for a provider other than the active one are rejected
package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/harperreed/contactsync/logger"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/provider"
	"github.com/harperreed/contactsync/syncerr"
)

var ErrInactiveProvider = errors.New("webhook: provider is not the active connection")

// Connections yields the active adapter.
type Connections interface {
	Active(ctx context.Context) (provider.Adapter, error)
}

// EventHandler applies a normalized event.
type EventHandler interface {
	HandleEvent(ctx context.Context, adapter provider.Adapter, ev *models.WebhookEvent) error
}

// Handler normalizes deliveries and hands them to an EventHandler.
type Handler struct {
	normalizer  *Normalizer
	connections Connections
	events      EventHandler
	log         *zap.Logger
}

func NewHandler(n *Normalizer, connections Connections, events EventHandler, log *zap.Logger) *Handler {
	if n == nil {
		n = NewNormalizer(WithLogger(log))
	}
	return &Handler{
		normalizer:  n,
		connections: connections,
		events:      events,
		log:         logger.OrNop(log).Named("webhook"),
	}
}

// Handle processes one delivery for slug. It returns the dispatched event,
// or nil when the payload was dropped.
func (h *Handler) Handle(ctx context.Context, slug string, in Input) (*models.WebhookEvent, error) {
	adapter, err := h.connections.Active(ctx)
	if err != nil {
		return nil, err
	}
	if adapter.Slug() != slug {
		return nil, fmt.Errorf("%w: got %s, active is %s", ErrInactiveProvider, slug, adapter.Slug())
	}
	if !adapter.Capabilities().Has(provider.CapWebhooks) {
		return nil, syncerr.New(syncerr.KindUnsupported, slug, "webhook", "provider does not send webhooks")
	}

	ev, err := h.normalizer.Normalize(ctx, adapter, in)
	if err != nil || ev == nil {
		return nil, err
	}
	if err := h.events.HandleEvent(ctx, adapter, ev); err != nil {
		h.log.Warn("webhook event failed",
			zap.String("provider", slug),
			zap.String("contact_id", ev.ContactID),
			zap.String("event", ev.EventType),
			zap.Error(err))
		return ev, err
	}
	return ev, nil
}
