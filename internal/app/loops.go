package app

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"loops/api/internal/blob"
	"loops/api/internal/capture"
	"loops/api/internal/rbac"
	"loops/api/internal/search"
	"loops/api/internal/store"
	"loops/api/internal/util"
)

// Upload is a file received alongside a request.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

type CreateLoopInput struct {
	Title     string         `json:"title" validate:"required,max=200"`
	Type      store.LoopType `json:"type" validate:"required,oneof=url image pdf figma"`
	Content   string         `json:"content" validate:"max=4096"`
	TeamID    string         `json:"teamId"`
	ProjectID string         `json:"projectId"`
	File      *Upload        `json:"-"`
	// Pages are pre-rasterized page images of a PDF upload, in order.
	Pages []Upload `json:"-"`
}

type UpdateLoopInput struct {
	Title *string `json:"title" validate:"omitempty,min=1,max=200"`
}

type PublicLinkInput struct {
	IsPublic bool   `json:"isPublic"`
	Password string `json:"password" validate:"omitempty,min=4,max=72"`
}

type PublicLink struct {
	PublicID    string `json:"publicId,omitempty"`
	IsPublic    bool   `json:"isPublic"`
	HasPassword bool   `json:"hasPassword"`
}

// PublicLoop is what an anonymous visitor of a public link sees.
type PublicLoop struct {
	Loop     store.Loop      `json:"loop"`
	Spots    []store.Spot    `json:"spots"`
	Comments []store.Comment `json:"comments"`
}

func canFile(role rbac.Role) bool {
	return role == rbac.RoleOwner || role == rbac.RoleEditor
}

func redactLoop(loop store.Loop) store.Loop {
	loop.PublicPasswordHash = ""
	return loop
}

func loopRecord(loop store.Loop) search.LoopRecord {
	content := loop.Content
	if loop.Type != store.LoopURL && loop.Type != store.LoopFigma {
		content = ""
	}
	return search.LoopRecord{
		ID:        loop.ID,
		Title:     loop.Title,
		Type:      string(loop.Type),
		Content:   content,
		Status:    loop.Status,
		TeamID:    loop.TeamID,
		ProjectID: loop.ProjectID,
	}
}

func checkLoopContent(input CreateLoopInput) error {
	switch input.Type {
	case store.LoopURL, store.LoopFigma:
		parsed, err := url.ParseRequestURI(input.Content)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return validationError("Invalid input", []map[string]string{{"content": "must be a valid URL"}})
		}
	case store.LoopImage, store.LoopPDF:
		if input.File == nil || len(input.File.Data) == 0 {
			return validationError("Invalid input", []map[string]string{{"file": "is required"}})
		}
	}
	return nil
}

// CreateLoop stores any uploaded content first, then creates the loop with
// the viewer as its owner. URL loops get a screenshot, or a placeholder when
// capture fails.
func (s *Service) CreateLoop(ctx context.Context, viewerID string, input CreateLoopInput) (store.Loop, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.Loop{}, err
	}
	input.Title = strings.TrimSpace(input.Title)
	input.Content = strings.TrimSpace(input.Content)
	if err := s.check(input); err != nil {
		return store.Loop{}, err
	}
	if err := checkLoopContent(input); err != nil {
		return store.Loop{}, err
	}

	now := s.now()
	loop := store.Loop{
		ID:        util.NewID("loop"),
		Title:     input.Title,
		Type:      input.Type,
		Content:   input.Content,
		Pages:     []string{},
		TeamID:    input.TeamID,
		ProjectID: input.ProjectID,
		CreatedBy: viewerID,
		Status:    store.StatusActive,
		Members: map[string]store.Member{
			viewerID: {Role: string(rbac.RoleOwner), AddedAt: now, AddedBy: viewerID},
		},
		MemberIDs: []string{viewerID},
		CreatedAt: now,
		UpdatedAt: now,
	}

	var uploaded []string
	if loop.Type == store.LoopURL {
		loop.Screenshot = capture.PlaceholderPath
		if shot := s.screenshots.Screenshot(ctx, loop.Content); !shot.Placeholder {
			path := blob.LoopScreenshotPath(loop.ID)
			if err := s.blobs.Upload(ctx, blob.Object{Path: path, ContentType: "image/png", Data: shot.Data}); err != nil {
				s.log.Warn("screenshot upload failed, using placeholder", zap.String("loop_id", loop.ID), zap.Error(err))
			} else {
				loop.Screenshot = path
				uploaded = append(uploaded, path)
			}
		}
	}

	var objects []blob.Object
	if input.File != nil {
		loop.FilePath = blob.LoopFilePath(loop.ID, input.File.Name)
		objects = append(objects, blob.Object{Path: loop.FilePath, ContentType: input.File.ContentType, Data: input.File.Data})
	}
	for i, page := range input.Pages {
		path := blob.LoopPagePath(loop.ID, i+1)
		loop.Pages = append(loop.Pages, path)
		objects = append(objects, blob.Object{Path: path, ContentType: page.ContentType, Data: page.Data})
	}
	if len(objects) > 0 {
		if err := s.blobs.Upload(ctx, objects...); err != nil {
			s.releaseLater(uploaded...)
			return store.Loop{}, translate(err)
		}
		for _, obj := range objects {
			uploaded = append(uploaded, obj.Path)
		}
	}

	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		if loop.TeamID != "" {
			team, err := getTeam(ctx, tx, loop.TeamID)
			if err != nil {
				return err
			}
			if teamRole(viewerID, team) == rbac.RoleNone {
				return permissionDenied("not a member of this team")
			}
		}
		if loop.ProjectID != "" {
			project, err := getProject(ctx, tx, loop.ProjectID)
			if err != nil {
				return err
			}
			role, err := projectRole(ctx, tx, viewerID, project)
			if err != nil {
				return err
			}
			if !canFile(role) {
				return permissionDenied("cannot add loops to this project")
			}
			tx.Update(store.CollectionProjects, project.ID, map[string]any{
				"loops":     store.ArrayUnion(loop.ID),
				"updatedAt": store.ServerTimestamp,
			})
		}
		tx.Create(store.CollectionLoops, loop.ID, map[string]any{
			"title":        loop.Title,
			"type":         string(loop.Type),
			"content":      loop.Content,
			"screenshot":   loop.Screenshot,
			"filePath":     loop.FilePath,
			"pages":        loop.Pages,
			"teamId":       loop.TeamID,
			"projectId":    loop.ProjectID,
			"createdBy":    viewerID,
			"status":       store.StatusActive,
			"spotCount":    0,
			"spotSeq":      0,
			"commentCount": 0,
			"members":      ownerEntry(viewerID),
			"memberIds":    []string{viewerID},
			"isPublic":     false,
			"createdAt":    store.ServerTimestamp,
			"updatedAt":    store.ServerTimestamp,
		})
		return nil
	})
	if err != nil {
		s.releaseLater(uploaded...)
		return store.Loop{}, err
	}
	s.search.IndexLoop(loopRecord(loop))
	return loop, nil
}

func (s *Service) UpdateLoop(ctx context.Context, viewerID, loopID string, input UpdateLoopInput) (store.Loop, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.Loop{}, err
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		input.Title = &title
	}
	if err := s.check(input); err != nil {
		return store.Loop{}, err
	}
	var updated store.Loop
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		loop, _, err := authorizedLoop(ctx, tx, viewerID, loopID, rbac.CanEdit, "only the owner can edit this loop")
		if err != nil {
			return err
		}
		fields := map[string]any{"updatedAt": store.ServerTimestamp}
		if input.Title != nil {
			fields["title"] = *input.Title
			loop.Title = *input.Title
		}
		tx.Update(store.CollectionLoops, loopID, fields)
		loop.UpdatedAt = s.now()
		updated = loop
		return nil
	})
	if err != nil {
		return store.Loop{}, err
	}
	s.search.IndexLoop(loopRecord(updated))
	return redactLoop(updated), nil
}

func (s *Service) ArchiveLoop(ctx context.Context, viewerID, loopID string) error {
	return s.setLoopStatus(ctx, viewerID, loopID, store.StatusArchived)
}

func (s *Service) RestoreLoop(ctx context.Context, viewerID, loopID string) error {
	return s.setLoopStatus(ctx, viewerID, loopID, store.StatusActive)
}

func (s *Service) setLoopStatus(ctx context.Context, viewerID, loopID, status string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	var loop store.Loop
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		loop, _, err = authorizedLoop(ctx, tx, viewerID, loopID, rbac.CanArchive, "only the owner can archive this loop")
		if err != nil {
			return err
		}
		tx.Update(store.CollectionLoops, loopID, map[string]any{
			"status":    status,
			"updatedAt": store.ServerTimestamp,
		})
		return nil
	})
	if err != nil {
		return err
	}
	loop.Status = status
	s.search.IndexLoop(loopRecord(loop))
	return nil
}

// DeleteLoop removes the loop with every spot and comment scoped to it in one
// transaction. Uploaded content is released afterwards on a best-effort basis.
func (s *Service) DeleteLoop(ctx context.Context, viewerID, loopID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	var blobs []string
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		blobs = blobs[:0]
		loop, _, err := authorizedLoop(ctx, tx, viewerID, loopID, rbac.CanDelete, "only the owner can delete this loop")
		if err != nil {
			return err
		}
		spots, err := queryDocs(ctx, tx, store.CollectionSpots, "loopId", loopID)
		if err != nil {
			return err
		}
		comments, err := queryDocs(ctx, tx, store.CollectionComments, "loopId", loopID)
		if err != nil {
			return err
		}
		for _, doc := range spots {
			tx.Delete(store.CollectionSpots, doc.ID)
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
		if loop.ProjectID != "" {
			if _, err := getProject(ctx, tx, loop.ProjectID); err == nil {
				tx.Update(store.CollectionProjects, loop.ProjectID, map[string]any{
					"loops":     store.ArrayRemove(loopID),
					"updatedAt": store.ServerTimestamp,
				})
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		tx.Delete(store.CollectionLoops, loopID)
		blobs = append(blobs, loopBlobs(loop)...)
		return nil
	})
	if err != nil {
		return err
	}
	s.releaseLater(blobs...)
	s.search.DeleteLoop(loopID)
	return nil
}

func loopBlobs(loop store.Loop) []string {
	var paths []string
	if loop.Screenshot != "" && loop.Screenshot != capture.PlaceholderPath {
		paths = append(paths, loop.Screenshot)
	}
	if loop.FilePath != "" {
		paths = append(paths, loop.FilePath)
	}
	return append(paths, loop.Pages...)
}

func (s *Service) AddLoopMember(ctx context.Context, viewerID, loopID, userID, role string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	grant, err := parseGrantableRole(role)
	if err != nil {
		return err
	}
	return s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		loop, _, err := authorizedLoop(ctx, tx, viewerID, loopID, rbac.CanManageUsers, "only the owner can manage members")
		if err != nil {
			return err
		}
		if userID == loop.CreatedBy {
			return invalidOperation("the owner's role cannot be changed")
		}
		if _, ok := loop.Members[userID]; ok {
			return alreadyExists("user is already a member of this loop")
		}
		if _, err := getUser(ctx, tx, userID); err != nil {
			return err
		}
		tx.Update(store.CollectionLoops, loopID, map[string]any{
			store.FieldPath("members", userID): memberEntry(grant, viewerID),
			"memberIds":                        store.ArrayUnion(userID),
			"updatedAt":                        store.ServerTimestamp,
		})
		return nil
	})
}

func (s *Service) UpdateLoopMemberRole(ctx context.Context, viewerID, loopID, userID, role string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	grant, err := parseGrantableRole(role)
	if err != nil {
		return err
	}
	return s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		loop, _, err := authorizedLoop(ctx, tx, viewerID, loopID, rbac.CanManageUsers, "only the owner can manage members")
		if err != nil {
			return err
		}
		if userID == loop.CreatedBy {
			return invalidOperation("the owner's role cannot be changed")
		}
		if _, ok := loop.Members[userID]; !ok {
			return notFound("member", userID)
		}
		tx.Update(store.CollectionLoops, loopID, map[string]any{
			store.FieldPath("members", userID, "role"): string(grant),
			"updatedAt":                                store.ServerTimestamp,
		})
		return nil
	})
}

// RemoveLoopMember lets the owner remove anyone but themselves; any other
// member may remove themselves.
func (s *Service) RemoveLoopMember(ctx context.Context, viewerID, loopID, userID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	return s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		loop, err := getLoop(ctx, tx, loopID)
		if err != nil {
			return err
		}
		role, err := loopRole(ctx, tx, viewerID, loop)
		if err != nil {
			return err
		}
		if !rbac.CanManageUsers(role) && viewerID != userID {
			return permissionDenied("only the owner can manage members")
		}
		if userID == loop.CreatedBy {
			return invalidOperation("the owner cannot be removed")
		}
		if _, ok := loop.Members[userID]; !ok {
			return notFound("member", userID)
		}
		tx.Update(store.CollectionLoops, loopID, map[string]any{
			store.FieldPath("members", userID): store.DeleteField,
			"memberIds":                        store.ArrayRemove(userID),
			"updatedAt":                        store.ServerTimestamp,
		})
		return nil
	})
}

// SetLoopPublic turns the anonymous link on or off. Turning it off revokes
// the link id, so a later re-share produces a new one.
func (s *Service) SetLoopPublic(ctx context.Context, viewerID, loopID string, input PublicLinkInput) (PublicLink, error) {
	if err := requireViewer(viewerID); err != nil {
		return PublicLink{}, err
	}
	if err := s.check(input); err != nil {
		return PublicLink{}, err
	}
	var hash string
	if input.IsPublic && input.Password != "" {
		raw, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return PublicLink{}, err
		}
		hash = string(raw)
	}

	var link PublicLink
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		loop, _, err := authorizedLoop(ctx, tx, viewerID, loopID, rbac.CanEdit, "only the owner can share this loop")
		if err != nil {
			return err
		}
		fields := map[string]any{"isPublic": input.IsPublic, "updatedAt": store.ServerTimestamp}
		link = PublicLink{IsPublic: input.IsPublic}
		if !input.IsPublic {
			fields["publicId"] = store.DeleteField
			fields["publicPasswordHash"] = store.DeleteField
			tx.Update(store.CollectionLoops, loopID, fields)
			return nil
		}
		link.PublicID = loop.PublicID
		if link.PublicID == "" {
			link.PublicID = util.NewID("pub")
			fields["publicId"] = link.PublicID
		}
		if hash != "" {
			fields["publicPasswordHash"] = hash
			link.HasPassword = true
		} else {
			fields["publicPasswordHash"] = store.DeleteField
		}
		tx.Update(store.CollectionLoops, loopID, fields)
		return nil
	})
	if err != nil {
		return PublicLink{}, err
	}
	return link, nil
}

// OpenPublicLoop needs no identity. A wrong or missing password on a
// protected link is PermissionDenied.
func (s *Service) OpenPublicLoop(ctx context.Context, publicID, password string) (PublicLoop, error) {
	if strings.TrimSpace(publicID) == "" {
		return PublicLoop{}, notFound("loop", publicID)
	}
	snap, err := s.store.GetOnce(ctx, store.Query{
		Collection: store.CollectionLoops,
		Filters: []store.Filter{
			{Field: "publicId", Op: store.OpEqual, Value: publicID},
			{Field: "isPublic", Op: store.OpEqual, Value: true},
		},
		Limit: 1,
	})
	if err != nil {
		return PublicLoop{}, translate(err)
	}
	if len(snap.Docs) == 0 {
		return PublicLoop{}, notFound("loop", publicID)
	}
	var loop store.Loop
	if err := store.Decode(snap.Docs[0], &loop); err != nil {
		return PublicLoop{}, err
	}
	if loop.PublicPasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(loop.PublicPasswordHash), []byte(password)) != nil {
			return PublicLoop{}, permissionDenied("password required")
		}
	}

	spots, err := s.listByLoop(ctx, store.CollectionSpots, loop.ID, "number")
	if err != nil {
		return PublicLoop{}, err
	}
	comments, err := s.listByLoop(ctx, store.CollectionComments, loop.ID, "createdAt")
	if err != nil {
		return PublicLoop{}, err
	}
	out := PublicLoop{Loop: redactLoop(loop)}
	if out.Spots, err = store.DecodeAll[store.Spot](spots); err != nil {
		return PublicLoop{}, err
	}
	if out.Comments, err = store.DecodeAll[store.Comment](comments); err != nil {
		return PublicLoop{}, err
	}
	return out, nil
}

func (s *Service) listByLoop(ctx context.Context, collection, loopID, orderBy string) ([]store.Document, error) {
	snap, err := s.store.GetOnce(ctx, store.Query{
		Collection: collection,
		Filters:    []store.Filter{{Field: "loopId", Op: store.OpEqual, Value: loopID}},
		Orders:     []store.Order{{Field: orderBy, Direction: store.Asc}},
	})
	if err != nil {
		return nil, translate(err)
	}
	return snap.Docs, nil
}
