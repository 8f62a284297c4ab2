package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loops/api/internal/blob"
	"loops/api/internal/notify"
	"loops/api/internal/rbac"
	"loops/api/internal/store"
	"loops/api/internal/util"
)

type CreateCommentInput struct {
	TargetType  string   `json:"targetType" validate:"required,oneof=loop spot"`
	TargetID    string   `json:"targetId" validate:"required"`
	Content     string   `json:"content" validate:"required,max=10000"`
	Attachments []Upload `json:"-" validate:"max=10"`
}

type UpdateCommentInput struct {
	Content string `json:"content" validate:"required,max=10000"`
}

// commentTarget resolves the loop a comment target belongs to and the
// viewer's role on it.
func commentTarget(ctx context.Context, g getter, viewerID, targetType, targetID string) (store.Loop, rbac.Role, error) {
	loopID := targetID
	if targetType == store.TargetSpot {
		spot, err := getSpot(ctx, g, targetID)
		if err != nil {
			return store.Loop{}, rbac.RoleNone, err
		}
		loopID = spot.LoopID
	}
	return authorizedLoop(ctx, g, viewerID, loopID, rbac.CanAddComments, "you cannot comment on this loop")
}

// CreateComment uploads attachments before the transaction; a failed upload
// aborts the comment. The notification goes out only after commit.
func (s *Service) CreateComment(ctx context.Context, viewerID string, input CreateCommentInput) (store.Comment, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.Comment{}, err
	}
	input.Content = strings.TrimSpace(input.Content)
	if err := s.check(input); err != nil {
		return store.Comment{}, err
	}
	target, _, err := commentTarget(ctx, s.store, viewerID, input.TargetType, input.TargetID)
	if err != nil {
		return store.Comment{}, translate(err)
	}

	now := s.now()
	comment := store.Comment{
		ID:          util.NewID("cmt"),
		LoopID:      target.ID,
		TargetID:    input.TargetID,
		TargetType:  input.TargetType,
		Content:     input.Content,
		Attachments: []store.Attachment{},
		Status:      store.StatusActive,
		CreatedBy:   viewerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var uploaded []string
	if len(input.Attachments) > 0 {
		objects := make([]blob.Object, 0, len(input.Attachments))
		for i, a := range input.Attachments {
			path := blob.CommentAttachmentPath(target.ID, comment.ID, attachmentName(i, a.Name))
			objects = append(objects, blob.Object{Path: path, ContentType: a.ContentType, Data: a.Data})
			comment.Attachments = append(comment.Attachments, store.Attachment{
				Name:        a.Name,
				Path:        path,
				ContentType: a.ContentType,
				Size:        int64(len(a.Data)),
			})
			uploaded = append(uploaded, path)
		}
		if err := s.blobs.Upload(ctx, objects...); err != nil {
			return store.Comment{}, translate(err)
		}
	}

	var notice notify.CommentNotice
	err = s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		loop, _, err := commentTarget(ctx, tx, viewerID, input.TargetType, input.TargetID)
		if err != nil {
			return err
		}
		attachments := make([]any, 0, len(comment.Attachments))
		for _, a := range comment.Attachments {
			attachments = append(attachments, map[string]any{
				"name":        a.Name,
				"path":        a.Path,
				"contentType": a.ContentType,
				"size":        a.Size,
			})
		}
		tx.Create(store.CollectionComments, comment.ID, map[string]any{
			"loopId":      comment.LoopID,
			"targetId":    input.TargetID,
			"targetType":  input.TargetType,
			"content":     comment.Content,
			"attachments": attachments,
			"status":      store.StatusActive,
			"createdBy":   viewerID,
			"createdAt":   store.ServerTimestamp,
			"updatedAt":   store.ServerTimestamp,
		})
		if input.TargetType == store.TargetSpot {
			tx.Update(store.CollectionSpots, input.TargetID, map[string]any{
				"commentCount": store.Increment(1),
				"updatedAt":    store.ServerTimestamp,
			})
		}
		tx.Update(store.CollectionLoops, loop.ID, map[string]any{
			"commentCount": store.Increment(1),
			"updatedAt":    store.ServerTimestamp,
		})

		author := viewerID
		if user, err := getUser(ctx, tx, viewerID); err == nil && user.DisplayName != "" {
			author = user.DisplayName
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		notice = notify.CommentNotice{
			LoopID:       loop.ID,
			LoopTitle:    loop.Title,
			CommentID:    comment.ID,
			AuthorName:   author,
			Content:      comment.Content,
			RecipientIDs: otherMembers(loop.MemberIDs, viewerID),
		}
		return nil
	})
	if err != nil {
		s.releaseLater(uploaded...)
		return store.Comment{}, err
	}
	s.notifier.NotifyComment(notice)
	return comment, nil
}

func attachmentName(i int, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("%02d-%s", i, name)
}

func otherMembers(memberIDs []string, viewerID string) []string {
	out := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id != viewerID {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) UpdateComment(ctx context.Context, viewerID, commentID string, input UpdateCommentInput) (store.Comment, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.Comment{}, err
	}
	input.Content = strings.TrimSpace(input.Content)
	if err := s.check(input); err != nil {
		return store.Comment{}, err
	}
	var updated store.Comment
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		comment, err := getComment(ctx, tx, commentID)
		if err != nil {
			return err
		}
		if !rbac.CanEditComment(viewerID, comment.CreatedBy) {
			return permissionDenied("only the author can edit this comment")
		}
		if _, _, err := authorizedLoop(ctx, tx, viewerID, comment.LoopID, rbac.CanView, "you do not have access to this loop"); err != nil {
			return err
		}
		tx.Update(store.CollectionComments, commentID, map[string]any{
			"content":   input.Content,
			"status":    store.StatusEdited,
			"updatedAt": store.ServerTimestamp,
		})
		comment.Content = input.Content
		comment.Status = store.StatusEdited
		comment.UpdatedAt = s.now()
		updated = comment
		return nil
	})
	if err != nil {
		return store.Comment{}, err
	}
	return updated, nil
}

// DeleteComment removes the comment and decrements the counters of its
// target and owning loop.
func (s *Service) DeleteComment(ctx context.Context, viewerID, commentID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	var blobs []string
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		blobs = blobs[:0]
		comment, err := getComment(ctx, tx, commentID)
		if err != nil {
			return err
		}
		if !rbac.CanEditComment(viewerID, comment.CreatedBy) {
			return permissionDenied("only the author can delete this comment")
		}
		for _, a := range comment.Attachments {
			blobs = append(blobs, a.Path)
		}
		tx.Delete(store.CollectionComments, commentID)
		if comment.TargetType == store.TargetSpot {
			if err := decrementIfExists(ctx, tx, store.CollectionSpots, comment.TargetID); err != nil {
				return err
			}
		}
		return decrementIfExists(ctx, tx, store.CollectionLoops, comment.LoopID)
	})
	if err != nil {
		return err
	}
	s.releaseLater(blobs...)
	return nil
}

func decrementIfExists(ctx context.Context, tx store.Tx, collection, id string) error {
	if _, err := tx.Get(ctx, collection, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	tx.Update(collection, id, map[string]any{
		"commentCount": store.Increment(-1),
		"updatedAt":    store.ServerTimestamp,
	})
	return nil
}
