package app

import (
	"context"
	"errors"
	"strings"

	"loops/api/internal/rbac"
	"loops/api/internal/store"
	"loops/api/internal/util"
)

type CreateSpotInput struct {
	Position   store.Position `json:"position"`
	PageNumber int            `json:"pageNumber" validate:"gte=0"`
	Content    string         `json:"content" validate:"max=10000"`
}

type UpdateSpotInput struct {
	Content  *string         `json:"content" validate:"omitempty,max=10000"`
	Position *store.Position `json:"position"`
}

// CreateSpot numbers the spot from the loop's high-water mark, so numbers are
// never reused even after deletes.
func (s *Service) CreateSpot(ctx context.Context, viewerID, loopID string, input CreateSpotInput) (store.Spot, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.Spot{}, err
	}
	input.Content = strings.TrimSpace(input.Content)
	if err := s.check(input); err != nil {
		return store.Spot{}, err
	}
	if err := checkPosition(input.Position); err != nil {
		return store.Spot{}, err
	}

	now := s.now()
	spot := store.Spot{
		ID:         util.NewID("spot"),
		LoopID:     loopID,
		Position:   input.Position,
		PageNumber: input.PageNumber,
		Content:    input.Content,
		Status:     store.SpotOpen,
		CreatedBy:  viewerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		loop, _, err := authorizedLoop(ctx, tx, viewerID, loopID, rbac.CanAddSpots, "you cannot add spots to this loop")
		if err != nil {
			return err
		}
		if loop.Status == store.StatusArchived {
			return invalidOperation("loop is archived")
		}
		seq := loop.SpotSeq
		if loop.SpotCount > seq {
			seq = loop.SpotCount
		}
		spot.Number = seq + 1
		tx.Create(store.CollectionSpots, spot.ID, map[string]any{
			"loopId":       loopID,
			"number":       spot.Number,
			"position":     map[string]any{"x": spot.Position.X, "y": spot.Position.Y},
			"pageNumber":   spot.PageNumber,
			"content":      spot.Content,
			"status":       store.SpotOpen,
			"createdBy":    viewerID,
			"commentCount": 0,
			"createdAt":    store.ServerTimestamp,
			"updatedAt":    store.ServerTimestamp,
		})
		tx.Update(store.CollectionLoops, loopID, map[string]any{
			"spotCount": store.Increment(1),
			"spotSeq":   spot.Number,
			"updatedAt": store.ServerTimestamp,
		})
		return nil
	})
	if err != nil {
		return store.Spot{}, err
	}
	return spot, nil
}

func checkPosition(p store.Position) error {
	if p.X < 0 || p.Y < 0 {
		return validationError("Invalid input", []map[string]string{{"position": "must not be negative"}})
	}
	return nil
}

// spotOnLoop loads a spot and its loop and checks the viewer can still see
// the loop.
func spotOnLoop(ctx context.Context, g getter, viewerID, spotID string) (store.Spot, store.Loop, rbac.Role, error) {
	spot, err := getSpot(ctx, g, spotID)
	if err != nil {
		return store.Spot{}, store.Loop{}, rbac.RoleNone, err
	}
	loop, role, err := authorizedLoop(ctx, g, viewerID, spot.LoopID, rbac.CanView, "you do not have access to this loop")
	if err != nil {
		return store.Spot{}, store.Loop{}, rbac.RoleNone, err
	}
	return spot, loop, role, nil
}

func (s *Service) UpdateSpot(ctx context.Context, viewerID, spotID string, input UpdateSpotInput) (store.Spot, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.Spot{}, err
	}
	if input.Content != nil {
		content := strings.TrimSpace(*input.Content)
		input.Content = &content
	}
	if err := s.check(input); err != nil {
		return store.Spot{}, err
	}
	if input.Position != nil {
		if err := checkPosition(*input.Position); err != nil {
			return store.Spot{}, err
		}
	}
	var updated store.Spot
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		spot, _, _, err := spotOnLoop(ctx, tx, viewerID, spotID)
		if err != nil {
			return err
		}
		if !rbac.CanEditSpot(viewerID, spot.CreatedBy) {
			return permissionDenied("only the author can edit this spot")
		}
		fields := map[string]any{"updatedAt": store.ServerTimestamp}
		if input.Content != nil {
			fields["content"] = *input.Content
			spot.Content = *input.Content
		}
		if input.Position != nil {
			fields["position"] = map[string]any{"x": input.Position.X, "y": input.Position.Y}
			spot.Position = *input.Position
		}
		tx.Update(store.CollectionSpots, spotID, fields)
		spot.UpdatedAt = s.now()
		updated = spot
		return nil
	})
	if err != nil {
		return store.Spot{}, err
	}
	return updated, nil
}

// SetSpotStatus resolves or reopens a spot. Anyone who may comment may do so.
func (s *Service) SetSpotStatus(ctx context.Context, viewerID, spotID, status string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	if status != store.SpotOpen && status != store.SpotResolved {
		return validationError("Invalid input", []map[string]string{{"status": "is not an allowed value"}})
	}
	return s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		_, _, role, err := spotOnLoop(ctx, tx, viewerID, spotID)
		if err != nil {
			return err
		}
		if !rbac.CanAddComments(role) {
			return permissionDenied("you cannot change this spot")
		}
		tx.Update(store.CollectionSpots, spotID, map[string]any{
			"status":    status,
			"updatedAt": store.ServerTimestamp,
		})
		return nil
	})
}

// DeleteSpot removes the spot and its comments and adjusts the loop counters
// in the same transaction.
func (s *Service) DeleteSpot(ctx context.Context, viewerID, spotID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	var blobs []string
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		blobs = blobs[:0]
		spot, err := getSpot(ctx, tx, spotID)
		if err != nil {
			return err
		}
		if !rbac.CanEditSpot(viewerID, spot.CreatedBy) {
			return permissionDenied("only the author can delete this spot")
		}
		comments, err := queryDocs(ctx, tx, store.CollectionComments, "targetId", spotID)
		if err != nil {
			return err
		}
		for _, doc := range comments {
			var comment store.Comment
			if err := store.Decode(doc, &comment); err != nil {
				return err
			}
			for _, a := range comment.Attachments {
				blobs = append(blobs, a.Path)
			}
			tx.Delete(store.CollectionComments, doc.ID)
		}
		tx.Delete(store.CollectionSpots, spotID)

		if _, err := getLoop(ctx, tx, spot.LoopID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		tx.Update(store.CollectionLoops, spot.LoopID, map[string]any{
			"spotCount":    store.Increment(-1),
			"commentCount": store.Increment(-int64(len(comments))),
			"updatedAt":    store.ServerTimestamp,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.releaseLater(blobs...)
	return nil
}
