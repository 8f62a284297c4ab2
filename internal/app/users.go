package app

import (
	"context"
	"errors"
	"strings"

	"loops/api/internal/store"
)

type EnsureUserInput struct {
	DisplayName string `json:"displayName" validate:"max=120"`
	Email       string `json:"email" validate:"omitempty,email"`
}

// EnsureUser creates the viewer's profile on first sign-in with a free plan,
// and refreshes name and email afterwards. The subscription is left to
// billing.
func (s *Service) EnsureUser(ctx context.Context, viewerID string, input EnsureUserInput) (store.User, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.User{}, err
	}
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if err := s.check(input); err != nil {
		return store.User{}, err
	}
	var user store.User
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := getUser(ctx, tx, viewerID)
		switch {
		case err == nil:
			fields := map[string]any{"updatedAt": store.ServerTimestamp}
			if input.DisplayName != "" {
				fields["displayName"] = input.DisplayName
				existing.DisplayName = input.DisplayName
			}
			if input.Email != "" {
				fields["email"] = input.Email
				existing.Email = input.Email
			}
			tx.Update(store.CollectionUsers, viewerID, fields)
			existing.UpdatedAt = s.now()
			user = existing
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}
		now := s.now()
		user = store.User{
			ID:          viewerID,
			DisplayName: input.DisplayName,
			Email:       input.Email,
			Subscription: store.Subscription{
				PlanID: store.PlanFree,
				Status: store.SubscriptionActive,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		tx.Create(store.CollectionUsers, viewerID, map[string]any{
			"displayName": user.DisplayName,
			"email":       user.Email,
			"subscription": map[string]any{
				"planId":                store.PlanFree,
				"status":                store.SubscriptionActive,
				"cancelAtPeriodEnd":     false,
				"additionalTeamMembers": 0,
			},
			"createdAt": store.ServerTimestamp,
			"updatedAt": store.ServerTimestamp,
		})
		return nil
	})
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}

// UserDirectory resolves user ids to email addresses for notifications.
type UserDirectory struct {
	store store.Store
}

func NewUserDirectory(dataStore store.Store) *UserDirectory {
	return &UserDirectory{store: dataStore}
}

// Emails skips users that no longer exist or have no address.
func (d *UserDirectory) Emails(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	snap, err := d.store.GetOnce(ctx, store.Query{
		Collection: store.CollectionUsers,
		Filters:    []store.Filter{{Field: store.DocumentID, Op: store.OpIn, Value: userIDs}},
	})
	if err != nil {
		return nil, err
	}
	users, err := store.DecodeAll[store.User](snap.Docs)
	if err != nil {
		return nil, err
	}
	emails := make([]string, 0, len(users))
	for _, u := range users {
		if u.Email != "" {
			emails = append(emails, u.Email)
		}
	}
	return emails, nil
}
