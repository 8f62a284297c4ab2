package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loops/api/internal/store"
)

func seedUser(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		tx.Create(store.CollectionUsers, id, map[string]any{
			"displayName": "Ann",
			"email":       "ann@example.com",
			"subscription": map[string]any{
				"planId": store.PlanFree,
				"status": store.SubscriptionActive,
			},
		})
		return nil
	})
	require.NoError(t, err)
}

func loadUser(t *testing.T, s store.Store, id string) store.User {
	t.Helper()
	doc, err := s.Get(context.Background(), store.CollectionUsers, id)
	require.NoError(t, err)
	var u store.User
	require.NoError(t, store.Decode(doc, &u))
	return u
}

func TestApplyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedUser(t, s, "u1")
	a := NewApplier(s, nil)
	periodEnd := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	seats := 3

	require.NoError(t, a.Apply(ctx, Event{
		ID: "evt_1", Type: CheckoutCompleted, UserID: "u1", CustomerID: "cus_1",
		PlanID: "pro", CurrentPeriodEnd: periodEnd.Unix(), AdditionalTeamMembers: &seats,
	}))
	u := loadUser(t, s, "u1")
	assert.Equal(t, "pro", u.Subscription.PlanID)
	assert.Equal(t, store.SubscriptionActive, u.Subscription.Status)
	assert.Equal(t, "cus_1", u.Subscription.CustomerID)
	assert.Equal(t, 3, u.Subscription.AdditionalTeamMembers)
	require.NotNil(t, u.Subscription.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*u.Subscription.CurrentPeriodEnd))

	require.NoError(t, a.Apply(ctx, Event{ID: "evt_2", Type: InvoiceFailed, UserID: "u1"}))
	assert.Equal(t, store.SubscriptionPastDue, loadUser(t, s, "u1").Subscription.Status)

	require.NoError(t, a.Apply(ctx, Event{ID: "evt_3", Type: SubscriptionUpdated, UserID: "u1", Status: "active", CancelAtPeriodEnd: true}))
	u = loadUser(t, s, "u1")
	assert.True(t, u.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, "pro", u.Subscription.PlanID)

	require.NoError(t, a.Apply(ctx, Event{ID: "evt_4", Type: SubscriptionDeleted, UserID: "u1"}))
	u = loadUser(t, s, "u1")
	assert.Equal(t, store.PlanFree, u.Subscription.PlanID)
	assert.Equal(t, store.SubscriptionCanceled, u.Subscription.Status)
	assert.Nil(t, u.Subscription.CurrentPeriodEnd)
	assert.Zero(t, u.Subscription.AdditionalTeamMembers)
	assert.Equal(t, "cus_1", u.Subscription.CustomerID)
}

func TestApplyIsIdempotentPerEvent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedUser(t, s, "u1")
	a := NewApplier(s, nil)

	require.NoError(t, a.Apply(ctx, Event{ID: "evt_1", Type: InvoiceFailed, UserID: "u1"}))
	require.NoError(t, a.Apply(ctx, Event{ID: "evt_2", Type: InvoiceSucceeded, UserID: "u1"}))
	err := a.Apply(ctx, Event{ID: "evt_1", Type: InvoiceFailed, UserID: "u1"})

	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.Equal(t, store.SubscriptionActive, loadUser(t, s, "u1").Subscription.Status)
}

func TestApplyRejectsUnknownUserAndType(t *testing.T) {
	ctx := context.Background()
	a := NewApplier(store.NewMemoryStore(), nil)

	assert.ErrorIs(t, a.Apply(ctx, Event{ID: "evt_1", Type: InvoiceFailed, UserID: "ghost"}), ErrUnknownUser)
	assert.ErrorIs(t, a.Apply(ctx, Event{ID: "evt_2", Type: "charge.refunded", UserID: "ghost"}), ErrUnsupportedEvent)
}

func TestHandler(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1")
	h := NewHandler(NewApplier(s, nil), "shh", nil, nil)

	tests := []struct {
		name       string
		secret     string
		body       string
		expectCode int
		expectBody string
	}{
		{name: "missing secret", body: `{}`, expectCode: http.StatusUnauthorized, expectBody: `{"error":"invalid webhook secret"}`},
		{name: "wrong secret", secret: "nope", body: `{}`, expectCode: http.StatusUnauthorized},
		{name: "malformed json", secret: "shh", body: `{`, expectCode: http.StatusBadRequest, expectBody: `{"error":"invalid request payload"}`},
		{name: "missing fields", secret: "shh", body: `{"type":"invoice.payment_failed"}`, expectCode: http.StatusBadRequest, expectBody: `[{"id":"is required"},{"userId":"is required"}]`},
		{name: "applied", secret: "shh", body: `{"id":"evt_1","type":"invoice.payment_failed","userId":"u1"}`, expectCode: http.StatusOK, expectBody: `{"status":"ok"}`},
		{name: "redelivery", secret: "shh", body: `{"id":"evt_1","type":"invoice.payment_failed","userId":"u1"}`, expectCode: http.StatusOK, expectBody: `{"status":"duplicate"}`},
		{name: "ignored type", secret: "shh", body: `{"id":"evt_9","type":"charge.refunded","userId":"u1"}`, expectCode: http.StatusOK, expectBody: `{"status":"ignored"}`},
		{name: "unknown user", secret: "shh", body: `{"id":"evt_2","type":"invoice.payment_failed","userId":"ghost"}`, expectCode: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(tt.body))
			if tt.secret != "" {
				req.Header.Set(SecretHeader, tt.secret)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectCode, rec.Code)
			if tt.expectBody != "" {
				assert.JSONEq(t, tt.expectBody, rec.Body.String())
			}
		})
	}
}

func TestHandlerRequestsRedeliveryWhenStoreIsDown(t *testing.T) {
	s := store.NewMemoryStore()
	seedUser(t, s, "u1")
	require.NoError(t, s.DisableNetwork(context.Background()))
	h := NewHandler(NewApplier(s, nil), "shh", nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"evt_1","type":"invoice.payment_failed","userId":"u1"}`))
	req.Header.Set(SecretHeader, "shh")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
