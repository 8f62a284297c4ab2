package app

import (
	"context"
	"strings"

	"loops/api/internal/rbac"
	"loops/api/internal/store"
	"loops/api/internal/util"
)

type CreateTeamInput struct {
	Name string `json:"name" validate:"required,max=120"`
}

func (s *Service) CreateTeam(ctx context.Context, viewerID string, input CreateTeamInput) (store.Team, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.Team{}, err
	}
	input.Name = strings.TrimSpace(input.Name)
	if err := s.check(input); err != nil {
		return store.Team{}, err
	}
	now := s.now()
	team := store.Team{
		ID:        util.NewID("team"),
		Name:      input.Name,
		CreatedBy: viewerID,
		Members: map[string]store.Member{
			viewerID: {Role: string(rbac.RoleOwner), AddedAt: now, AddedBy: viewerID},
		},
		MemberIDs: []string{viewerID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		tx.Create(store.CollectionTeams, team.ID, map[string]any{
			"name":      team.Name,
			"createdBy": viewerID,
			"members":   ownerEntry(viewerID),
			"memberIds": []string{viewerID},
			"createdAt": store.ServerTimestamp,
			"updatedAt": store.ServerTimestamp,
		})
		return nil
	})
	if err != nil {
		return store.Team{}, err
	}
	return team, nil
}

func authorizedTeam(ctx context.Context, g getter, viewerID, teamID string, allow func(rbac.Role) bool, denied string) (store.Team, rbac.Role, error) {
	team, err := getTeam(ctx, g, teamID)
	if err != nil {
		return store.Team{}, rbac.RoleNone, err
	}
	role := teamRole(viewerID, team)
	if !allow(role) {
		return store.Team{}, role, permissionDenied(denied)
	}
	return team, role, nil
}

func (s *Service) AddTeamMember(ctx context.Context, viewerID, teamID, userID, role string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	grant, err := parseGrantableRole(role)
	if err != nil {
		return err
	}
	return s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		team, _, err := authorizedTeam(ctx, tx, viewerID, teamID, rbac.CanManageUsers, "only the team owner can manage members")
		if err != nil {
			return err
		}
		if userID == team.CreatedBy {
			return invalidOperation("the owner's role cannot be changed")
		}
		if _, ok := team.Members[userID]; ok {
			return alreadyExists("user is already a member of this team")
		}
		if _, err := getUser(ctx, tx, userID); err != nil {
			return err
		}
		tx.Update(store.CollectionTeams, teamID, map[string]any{
			store.FieldPath("members", userID): memberEntry(grant, viewerID),
			"memberIds":                        store.ArrayUnion(userID),
			"updatedAt":                        store.ServerTimestamp,
		})
		return nil
	})
}

// RemoveTeamMember is open to the owner for anyone and to members for
// themselves. The owner can never leave; the team must be deleted instead.
func (s *Service) RemoveTeamMember(ctx context.Context, viewerID, teamID, userID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	return s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		team, err := getTeam(ctx, tx, teamID)
		if err != nil {
			return err
		}
		if !rbac.CanManageUsers(teamRole(viewerID, team)) && viewerID != userID {
			return permissionDenied("only the team owner can manage members")
		}
		if userID == team.CreatedBy {
			return invalidOperation("the team owner cannot be removed")
		}
		if _, ok := team.Members[userID]; !ok {
			return notFound("member", userID)
		}
		tx.Update(store.CollectionTeams, teamID, map[string]any{
			store.FieldPath("members", userID): store.DeleteField,
			"memberIds":                        store.ArrayRemove(userID),
			"updatedAt":                        store.ServerTimestamp,
		})
		return nil
	})
}

// DeleteTeam removes the team and detaches its loops and projects, which
// keep their own members.
func (s *Service) DeleteTeam(ctx context.Context, viewerID, teamID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	var detached []store.Loop
	err := s.transact(ctx, func(ctx context.Context, tx store.Tx) error {
		detached = detached[:0]
		if _, _, err := authorizedTeam(ctx, tx, viewerID, teamID, rbac.CanDelete, "only the team owner can delete this team"); err != nil {
			return err
		}
		loops, err := queryDocs(ctx, tx, store.CollectionLoops, "teamId", teamID)
		if err != nil {
			return err
		}
		projects, err := queryDocs(ctx, tx, store.CollectionProjects, "teamId", teamID)
		if err != nil {
			return err
		}
		for _, doc := range loops {
			var loop store.Loop
			if err := store.Decode(doc, &loop); err != nil {
				return err
			}
			tx.Update(store.CollectionLoops, doc.ID, map[string]any{
				"teamId":    store.DeleteField,
				"updatedAt": store.ServerTimestamp,
			})
			loop.TeamID = ""
			detached = append(detached, loop)
		}
		for _, doc := range projects {
			tx.Update(store.CollectionProjects, doc.ID, map[string]any{
				"teamId":    store.DeleteField,
				"updatedAt": store.ServerTimestamp,
			})
		}
		tx.Delete(store.CollectionTeams, teamID)
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
