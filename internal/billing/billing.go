// Package billing applies payment-provider webhook events to
// User.subscription through the store.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loops/api/internal/logging"
	"loops/api/internal/store"
)

type EventType string

const (
	CheckoutCompleted   EventType = "checkout.session.completed"
	SubscriptionUpdated EventType = "customer.subscription.updated"
	SubscriptionDeleted EventType = "customer.subscription.deleted"
	InvoiceSucceeded    EventType = "invoice.payment_succeeded"
	InvoiceFailed       EventType = "invoice.payment_failed"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported billing event")
	ErrUnknownUser      = errors.New("unknown billing user")
	ErrDuplicateEvent   = errors.New("billing event already applied")
)

// Event is the provider-neutral shape the webhook receiver accepts.
type Event struct {
	ID                    string    `json:"id" validate:"required"`
	Type                  EventType `json:"type" validate:"required"`
	UserID                string    `json:"userId" validate:"required"`
	CustomerID            string    `json:"customerId"`
	PlanID                string    `json:"planId"`
	Status                string    `json:"status"`
	CurrentPeriodEnd      int64     `json:"currentPeriodEnd" validate:"gte=0"`
	CancelAtPeriodEnd     bool      `json:"cancelAtPeriodEnd"`
	AdditionalTeamMembers *int      `json:"additionalTeamMembers" validate:"omitempty,gte=0"`
}

type Applier struct {
	store store.Store
	log   *zap.Logger
}

func NewApplier(s store.Store, log *zap.Logger) *Applier {
	return &Applier{store: s, log: logging.OrNop(log)}
}

// Apply writes the subscription fields implied by ev. Each event id is
// applied at most once.
func (a *Applier) Apply(ctx context.Context, ev Event) error {
	fields, err := subscriptionFields(ev)
	if err != nil {
		return err
	}
	err = a.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Get(ctx, store.CollectionBillingEvents, ev.ID); err == nil {
			return ErrDuplicateEvent
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := tx.Get(ctx, store.CollectionUsers, ev.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownUser, ev.UserID)
			}
			return err
		}
		tx.Update(store.CollectionUsers, ev.UserID, fields)
		tx.Create(store.CollectionBillingEvents, ev.ID, map[string]any{
			"type":        string(ev.Type),
			"userId":      ev.UserID,
			"processedAt": store.ServerTimestamp,
		})
		return nil
	})
	if err != nil {
		return err
	}
	a.log.Info("billing event applied",
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("user_id", ev.UserID),
	)
	return nil
}

func subscriptionFields(ev Event) (map[string]any, error) {
	fields := map[string]any{"updatedAt": store.ServerTimestamp}
	set := func(key string, value any) { fields["subscription."+key] = value }
	periodEnd := func() {
		if ev.CurrentPeriodEnd > 0 {
			set("currentPeriodEnd", time.Unix(ev.CurrentPeriodEnd, 0).UTC())
		}
	}
	extraSeats := func() {
		if ev.AdditionalTeamMembers != nil {
			set("additionalTeamMembers", *ev.AdditionalTeamMembers)
		}
	}

	switch ev.Type {
	case CheckoutCompleted:
		set("planId", ev.PlanID)
		set("status", store.SubscriptionActive)
		set("cancelAtPeriodEnd", false)
		if ev.CustomerID != "" {
			set("customerId", ev.CustomerID)
		}
		periodEnd()
		extraSeats()
	case SubscriptionUpdated:
		if ev.PlanID != "" {
			set("planId", ev.PlanID)
		}
		if ev.Status != "" {
			set("status", ev.Status)
		}
		set("cancelAtPeriodEnd", ev.CancelAtPeriodEnd)
		periodEnd()
		extraSeats()
	case SubscriptionDeleted:
		set("planId", store.PlanFree)
		set("status", store.SubscriptionCanceled)
		set("cancelAtPeriodEnd", false)
		set("currentPeriodEnd", store.DeleteField)
		set("additionalTeamMembers", 0)
	case InvoiceSucceeded:
		set("status", store.SubscriptionActive)
		periodEnd()
	case InvoiceFailed:
		set("status", store.SubscriptionPastDue)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Type)
	}
	return fields, nil
}
