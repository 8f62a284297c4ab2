package app

import (
	"context"
	"errors"
	"strings"

	"loops/api/internal/query"
	"loops/api/internal/rbac"
	"loops/api/internal/search"
	"loops/api/internal/store"
)

const defaultSearchLimit = 20

// ViewerLoops lists loops the viewer was added to directly, newest first.
func ViewerLoops(viewerID string, includeArchived bool) *query.Constraints {
	c := query.New().Filter("memberIds", store.OpArrayContains, query.Str(viewerID))
	if !includeArchived {
		c.Filter("status", store.OpEqual, query.Str(store.StatusActive))
	}
	return c.Order("updatedAt", store.Desc)
}

func TeamLoops(teamID string, includeArchived bool) *query.Constraints {
	c := query.New().Filter("teamId", store.OpEqual, query.Str(teamID))
	if !includeArchived {
		c.Filter("status", store.OpEqual, query.Str(store.StatusActive))
	}
	return c.Order("updatedAt", store.Desc)
}

func LoopSpots(loopID string) *query.Constraints {
	return query.New().
		Filter("loopId", store.OpEqual, query.Str(loopID)).
		Order("number", store.Asc)
}

// LoopComments lists a loop's comments oldest first. An empty targetID keeps
// comments on every target.
func LoopComments(loopID, targetID string) *query.Constraints {
	return query.New().
		Filter("loopId", store.OpEqual, query.Str(loopID)).
		Filter("targetId", store.OpEqual, query.OptionalStr(targetID)).
		Order("createdAt", store.Asc)
}

func listQuery[T any](ctx context.Context, s *Service, viewerID, collection string, c *query.Constraints) ([]T, error) {
	q := query.Build(viewerID, collection, c)
	if q == nil {
		return nil, ErrUnauthenticated
	}
	snap, err := s.store.GetOnce(ctx, *q)
	if err != nil {
		return nil, translate(err)
	}
	return store.DecodeAll[T](snap.Docs)
}

// LoopRole reports the viewer's effective role on a loop.
func (s *Service) LoopRole(ctx context.Context, viewerID, loopID string) (rbac.Role, error) {
	if err := requireViewer(viewerID); err != nil {
		return rbac.RoleNone, err
	}
	loop, err := getLoop(ctx, s.store, loopID)
	if err != nil {
		return rbac.RoleNone, translate(err)
	}
	role, err := loopRole(ctx, s.store, viewerID, loop)
	return role, translate(err)
}

// GetLoop hides loops the viewer cannot see behind NotFound.
func (s *Service) GetLoop(ctx context.Context, viewerID, loopID string) (store.Loop, rbac.Role, error) {
	if err := requireViewer(viewerID); err != nil {
		return store.Loop{}, rbac.RoleNone, err
	}
	loop, role, err := authorizedLoop(ctx, s.store, viewerID, loopID, rbac.CanView, "")
	if errors.Is(err, ErrPermissionDenied) {
		return store.Loop{}, rbac.RoleNone, notFound("loop", loopID)
	}
	if err != nil {
		return store.Loop{}, rbac.RoleNone, translate(err)
	}
	return redactLoop(loop), role, nil
}

// CanViewLoop fails unless the viewer has some role on the loop.
func (s *Service) CanViewLoop(ctx context.Context, viewerID, loopID string) error {
	_, _, err := s.GetLoop(ctx, viewerID, loopID)
	return err
}

// CanViewTeam fails unless the viewer belongs to the team.
func (s *Service) CanViewTeam(ctx context.Context, viewerID, teamID string) error {
	if err := requireViewer(viewerID); err != nil {
		return err
	}
	_, _, err := authorizedTeam(ctx, s.store, viewerID, teamID, rbac.CanView, "not a member of this team")
	return translate(err)
}

type ListLoopsInput struct {
	TeamID          string
	IncludeArchived bool
}

func (s *Service) ListLoops(ctx context.Context, viewerID string, input ListLoopsInput) ([]store.Loop, error) {
	if err := requireViewer(viewerID); err != nil {
		return nil, err
	}
	c := ViewerLoops(viewerID, input.IncludeArchived)
	if input.TeamID != "" {
		if err := s.CanViewTeam(ctx, viewerID, input.TeamID); err != nil {
			return nil, err
		}
		c = TeamLoops(input.TeamID, input.IncludeArchived)
	}
	loops, err := listQuery[store.Loop](ctx, s, viewerID, store.CollectionLoops, c)
	if err != nil {
		return nil, err
	}
	for i := range loops {
		loops[i] = redactLoop(loops[i])
	}
	return loops, nil
}

func (s *Service) ListSpots(ctx context.Context, viewerID, loopID string) ([]store.Spot, error) {
	if err := s.CanViewLoop(ctx, viewerID, loopID); err != nil {
		return nil, err
	}
	return listQuery[store.Spot](ctx, s, viewerID, store.CollectionSpots, LoopSpots(loopID))
}

func (s *Service) ListComments(ctx context.Context, viewerID, loopID, targetID string) ([]store.Comment, error) {
	if err := s.CanViewLoop(ctx, viewerID, loopID); err != nil {
		return nil, err
	}
	return listQuery[store.Comment](ctx, s, viewerID, store.CollectionComments, LoopComments(loopID, targetID))
}

func (s *Service) ListTeams(ctx context.Context, viewerID string) ([]store.Team, error) {
	if err := requireViewer(viewerID); err != nil {
		return nil, err
	}
	c := query.New().
		Filter("memberIds", store.OpArrayContains, query.Str(viewerID)).
		Order("name", store.Asc)
	return listQuery[store.Team](ctx, s, viewerID, store.CollectionTeams, c)
}

// ListProjects lists the viewer's own projects, or every project of a team
// the viewer belongs to.
func (s *Service) ListProjects(ctx context.Context, viewerID, teamID string) ([]store.Project, error) {
	if err := requireViewer(viewerID); err != nil {
		return nil, err
	}
	c := query.New().Filter("memberIds", store.OpArrayContains, query.Str(viewerID))
	if teamID != "" {
		if err := s.CanViewTeam(ctx, viewerID, teamID); err != nil {
			return nil, err
		}
		c = query.New().Filter("teamId", store.OpEqual, query.Str(teamID))
	}
	return listQuery[store.Project](ctx, s, viewerID, store.CollectionProjects, c.Order("name", store.Asc))
}

type SearchLoopsInput struct {
	Text            string `json:"q" validate:"required,max=200"`
	TeamID          string `json:"teamId"`
	IncludeArchived bool   `json:"includeArchived"`
	Limit           int    `json:"limit" validate:"gte=0,lte=100"`
}

// SearchLoops queries the loop index and drops hits the viewer cannot see.
// Without a healthy index it falls back to a title match over the viewer's
// own loops.
func (s *Service) SearchLoops(ctx context.Context, viewerID string, input SearchLoopsInput) (search.Response, error) {
	if err := requireViewer(viewerID); err != nil {
		return search.Response{}, err
	}
	input.Text = strings.TrimSpace(input.Text)
	if err := s.check(input); err != nil {
		return search.Response{}, err
	}
	if input.Limit == 0 {
		input.Limit = defaultSearchLimit
	}

	resp, err := s.search.Search(search.Query{
		Text:            input.Text,
		FilterTeamID:    input.TeamID,
		IncludeArchived: input.IncludeArchived,
		Limit:           input.Limit,
	})
	if errors.Is(err, search.ErrUnavailable) {
		return s.searchFallback(ctx, viewerID, input)
	}
	if err != nil {
		return search.Response{}, err
	}

	visible := make([]search.Result, 0, len(resp.Results))
	for _, hit := range resp.Results {
		role, err := s.LoopRole(ctx, viewerID, hit.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return search.Response{}, err
		}
		if rbac.CanView(role) {
			visible = append(visible, hit)
		}
	}
	return search.Response{Results: visible, Total: len(visible), Query: input.Text}, nil
}

func (s *Service) searchFallback(ctx context.Context, viewerID string, input SearchLoopsInput) (search.Response, error) {
	loops, err := s.ListLoops(ctx, viewerID, ListLoopsInput{TeamID: input.TeamID, IncludeArchived: input.IncludeArchived})
	if err != nil {
		return search.Response{}, err
	}
	needle := strings.ToLower(input.Text)
	results := make([]search.Result, 0)
	for _, loop := range loops {
		if !strings.Contains(strings.ToLower(loop.Title), needle) {
			continue
		}
		results = append(results, search.Result{ID: loop.ID, Title: loop.Title})
		if len(results) == input.Limit {
			break
		}
	}
	return search.Response{Results: results, Total: len(results), Query: input.Text}, nil
}
