package app

import (
	"context"
	"errors"
	"strings"

	"loops/api/internal/rbac"
	"loops/api/internal/store"
	"loops/api/internal/util"
)

type CreateProjectInput struct {
	Name   string `json:"name" validate:"required,max=120"`
	TeamID string `json:"teamId"`
}

func (s *Service) CreateProject(ctx context.Context, viewerID string, input CreateProjectInput) (store.Project, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.Project{}, err
	}
	input.Name = strings.TrimSpace(input.Name)
	if err := s.check(input); err != nil {
		return store.Project{}, err
	}
	now := s.now()
	project := store.Project{
		ID:        util.NewID("proj"),
		Name:      input.Name,
		TeamID:    input.TeamID,
		CreatedBy: viewerID,
		Members: map[string]store.Member{
			viewerID: {Role: string(rbac.RoleOwner), AddedAt: now, AddedBy: viewerID},
		},
		MemberIDs: []string{viewerID},
		Loops:     []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		if project.TeamID != "" {
			if _, _, err := authorizedTeam(ctx, tx, viewerID, project.TeamID, rbac.CanView, "not a member of this team"); err != nil {
				return err
			}
		}
		tx.Create(store.CollectionProjects, project.ID, map[string]any{
			"name":      project.Name,
			"teamId":    project.TeamID,
			"createdBy": viewerID,
			"members":   ownerEntry(viewerID),
			"memberIds": []string{viewerID},
			"loops":     []string{},
			"createdAt": store.ServerTimestamp,
			"updatedAt": store.ServerTimestamp,
		})
		return nil
	})
	if err != nil {
		return store.Project{}, err
	}
	return project, nil
}

func authorizedProject(ctx context.Context, g getter, viewerID, projectID string, allow func(rbac.Role) bool, denied string) (store.Project, rbac.Role, error) {
	project, err := getProject(ctx, g, projectID)
	if err != nil {
		return store.Project{}, rbac.RoleNone, err
	}
	role, err := projectRole(ctx, g, viewerID, project)
	if err != nil {
		return store.Project{}, rbac.RoleNone, err
	}
	if !allow(role) {
		return store.Project{}, role, permissionDenied(denied)
	}
	return project, role, nil
}

func (s *Service) AddProjectMember(ctx context.Context, viewerID, projectID, userID, role string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	grant, err := parseGrantableRole(role)
	if err != nil {
		return err
	}
	return s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		project, _, err := authorizedProject(ctx, tx, viewerID, projectID, rbac.CanManageUsers, "only the project owner can manage members")
		if err != nil {
			return err
		}
		if userID == project.CreatedBy {
			return invalidOperation("the owner's role cannot be changed")
		}
		if _, ok := project.Members[userID]; ok {
			return alreadyExists("user is already a member of this project")
		}
		if _, err := getUser(ctx, tx, userID); err != nil {
			return err
		}
		tx.Update(store.CollectionProjects, projectID, map[string]any{
			store.FieldPath("members", userID): memberEntry(grant, viewerID),
			"memberIds":                        store.ArrayUnion(userID),
			"updatedAt":                        store.ServerTimestamp,
		})
		return nil
	})
}

func (s *Service) RemoveProjectMember(ctx context.Context, viewerID, projectID, userID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	return s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		project, err := getProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		role, err := projectRole(ctx, tx, viewerID, project)
		if err != nil {
			return err
		}
		if !rbac.CanManageUsers(role) && viewerID != userID {
			return permissionDenied("only the project owner can manage members")
		}
		if userID == project.CreatedBy {
			return invalidOperation("the project owner cannot be removed")
		}
		if _, ok := project.Members[userID]; !ok {
			return notFound("member", userID)
		}
		tx.Update(store.CollectionProjects, projectID, map[string]any{
			store.FieldPath("members", userID): store.DeleteField,
			"memberIds":                        store.ArrayRemove(userID),
			"updatedAt":                        store.ServerTimestamp,
		})
		return nil
	})
}

// AddLoopToProject files a loop under a project. A loop belongs to at most
// one project, so it leaves its previous one in the same transaction.
func (s *Service) AddLoopToProject(ctx context.Context, viewerID, projectID, loopID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	var moved store.Loop
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, _, err := authorizedProject(ctx, tx, viewerID, projectID, canFile, "cannot add loops to this project"); err != nil {
			return err
		}
		loop, _, err := authorizedLoop(ctx, tx, viewerID, loopID, rbac.CanEdit, "only the loop owner can move this loop")
		if err != nil {
			return err
		}
		if loop.ProjectID == projectID {
			moved = loop
			return nil
		}
		if loop.ProjectID != "" {
			if err := detachFromProject(ctx, tx, loop.ProjectID, loopID); err != nil {
				return err
			}
		}
		tx.Update(store.CollectionProjects, projectID, map[string]any{
			"loops":     store.ArrayUnion(loopID),
			"updatedAt": store.ServerTimestamp,
		})
		tx.Update(store.CollectionLoops, loopID, map[string]any{
			"projectId": projectID,
			"updatedAt": store.ServerTimestamp,
		})
		loop.ProjectID = projectID
		moved = loop
		return nil
	})
	if err != nil {
		return err
	}
	s.search.IndexLoop(loopRecord(moved))
	return nil
}

func (s *Service) RemoveLoopFromProject(ctx context.Context, viewerID, projectID, loopID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	var removed store.Loop
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, _, err := authorizedProject(ctx, tx, viewerID, projectID, canFile, "cannot remove loops from this project"); err != nil {
			return err
		}
		loop, err := getLoop(ctx, tx, loopID)
		if err != nil {
			return err
		}
		if loop.ProjectID != projectID {
			return notFound("loop", loopID)
		}
		tx.Update(store.CollectionProjects, projectID, map[string]any{
			"loops":     store.ArrayRemove(loopID),
			"updatedAt": store.ServerTimestamp,
		})
		tx.Update(store.CollectionLoops, loopID, map[string]any{
			"projectId": store.DeleteField,
			"updatedAt": store.ServerTimestamp,
		})
		loop.ProjectID = ""
		removed = loop
		return nil
	})
	if err != nil {
		return err
	}
	s.search.IndexLoop(loopRecord(removed))
	return nil
}

func detachFromProject(ctx context.Context, tx store.Tx, projectID, loopID string) error {
	if _, err := getProject(ctx, tx, projectID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	tx.Update(store.CollectionProjects, projectID, map[string]any{
		"loops":     store.ArrayRemove(loopID),
		"updatedAt": store.ServerTimestamp,
	})
	return nil
}

// DeleteProject removes the project. Its loops survive without a project.
func (s *Service) DeleteProject(ctx context.Context, viewerID, projectID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	var detached []store.Loop
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		detached = detached[:0]
		if _, _, err := authorizedProject(ctx, tx, viewerID, projectID, rbac.CanDelete, "only the project owner can delete this project"); err != nil {
			return err
		}
		loops, err := queryDocs(ctx, tx, store.CollectionLoops, "projectId", projectID)
		if err != nil {
			return err
		}
		for _, doc := range loops {
			var loop store.Loop
			if err := store.Decode(doc, &loop); err != nil {
				return err
			}
			tx.Update(store.CollectionLoops, doc.ID, map[string]any{
				"projectId": store.DeleteField,
				"updatedAt": store.ServerTimestamp,
			})
			loop.ProjectID = ""
			detached = append(detached, loop)
		}
		tx.Delete(store.CollectionProjects, projectID)
		return nil
	})
	if err != nil {
		return err
	}
	for _, loop := range detached {
		s.search.IndexLoop(loopRecord(loop))
	}
	return nil
}
