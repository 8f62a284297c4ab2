package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"loops/api/internal/blob"
	"loops/api/internal/capture"
	"loops/api/internal/logging"
	"loops/api/internal/notify"
	"loops/api/internal/rbac"
	"loops/api/internal/search"
	"loops/api/internal/store"
	"loops/api/internal/validation"
)

type uploader interface {
	Upload(ctx context.Context, objects ...blob.Object) error
	Release(ctx context.Context, paths ...string)
}

type screenshotter interface {
	Screenshot(ctx context.Context, url string) capture.Result
}

type notifier interface {
	NotifyComment(n notify.CommentNotice)
}

type searcher interface {
	Search(q search.Query) (search.Response, error)
	IndexLoop(loop search.LoopRecord)
	DeleteLoop(id string)
}

type nopNotifier struct{}

func (nopNotifier) NotifyComment(notify.CommentNotice) {}

// Service is the mutation layer. Every aggregate change runs in a single
// store transaction that re-reads and re-authorizes the documents it touches.
type Service struct {
	store       store.Store
	log         *zap.Logger
	validate    *validator.Validate
	blobs       uploader
	screenshots screenshotter
	notifier    notifier
	search      searcher
	clock       func() time.Time

	background sync.WaitGroup
}

type Option func(*Service)

func WithBlobs(u uploader) Option {
	return func(s *Service) { s.blobs = u }
}

func WithScreenshotter(c screenshotter) Option {
	return func(s *Service) { s.screenshots = c }
}

func WithNotifier(n notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithSearch(idx searcher) Option {
	return func(s *Service) { s.search = idx }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func New(dataStore store.Store, log *zap.Logger, opts ...Option) *Service {
	log = logging.OrNop(log)
	s := &Service{
		store:       dataStore,
		log:         log,
		validate:    validation.New(),
		blobs:       blob.NewUploader(blob.Discard{}, log),
		screenshots: capture.NewScreenshotter(nil, log),
		notifier:    nopNotifier{},
		search:      search.NewService(nil, log),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until background cleanup started by earlier calls is done.
func (s *Service) Wait() {
	s.background.Wait()
}

// Ping reports whether the store answers a trivial read.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.store.GetOnce(ctx, store.Query{Collection: store.CollectionUsers, Limit: 1})
	return translate(err)
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) transact(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return translate(s.store.RunTransaction(ctx, fn))
}

func (s *Service) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		return validationError("Invalid input", validation.Details(err))
	}
	return nil
}

// releaseLater removes blobs in the background. Failures are logged by the
// uploader.
func (s *Service) releaseLater(paths ...string) {
	if len(paths) == 0 {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.blobs.Release(ctx, paths...)
	}()
}

func requireViewer(viewerID string) error {
	if strings.TrimSpace(viewerID) == "" {
		return ErrUnauthenticated
	}
	return nil
}

// getter is satisfied by both store.Store and store.Tx.
type getter interface {
	Get(ctx context.Context, collection, id string) (store.Document, error)
}

func getEntity[T any](ctx context.Context, g getter, collection, kind, id string) (T, error) {
	var out T
	if strings.TrimSpace(id) == "" {
		return out, notFound(kind, id)
	}
	doc, err := g.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return out, notFound(kind, id)
		}
		return out, err
	}
	if err := store.Decode(doc, &out); err != nil {
		return out, err
	}
	return out, nil
}

func getLoop(ctx context.Context, g getter, id string) (store.Loop, error) {
	return getEntity[store.Loop](ctx, g, store.CollectionLoops, "loop", id)
}

func getSpot(ctx context.Context, g getter, id string) (store.Spot, error) {
	return getEntity[store.Spot](ctx, g, store.CollectionSpots, "spot", id)
}

func getComment(ctx context.Context, g getter, id string) (store.Comment, error) {
	return getEntity[store.Comment](ctx, g, store.CollectionComments, "comment", id)
}

func getTeam(ctx context.Context, g getter, id string) (store.Team, error) {
	return getEntity[store.Team](ctx, g, store.CollectionTeams, "team", id)
}

func getProject(ctx context.Context, g getter, id string) (store.Project, error) {
	return getEntity[store.Project](ctx, g, store.CollectionProjects, "project", id)
}

func getUser(ctx context.Context, g getter, id string) (store.User, error) {
	return getEntity[store.User](ctx, g, store.CollectionUsers, "user", id)
}

func memberRoles(members map[string]store.Member) map[string]rbac.Role {
	out := make(map[string]rbac.Role, len(members))
	for id, m := range members {
		out[id] = rbac.Normalize(m.Role)
	}
	return out
}

// loopRole resolves the viewer's role on loop, following its team and
// project for inherited access. A dangling team or project reference grants
// nothing.
func loopRole(ctx context.Context, g getter, viewerID string, loop store.Loop) (rbac.Role, error) {
	res := rbac.Resource{CreatedBy: loop.CreatedBy, Members: memberRoles(loop.Members)}
	if loop.TeamID != "" {
		team, err := getTeam(ctx, g, loop.TeamID)
		switch {
		case err == nil:
			res.Inherited = append(res.Inherited, rbac.Roster(team.MemberIDs))
		case !errors.Is(err, ErrNotFound):
			return rbac.RoleNone, err
		}
	}
	if loop.ProjectID != "" {
		project, err := getProject(ctx, g, loop.ProjectID)
		switch {
		case err == nil:
			res.Inherited = append(res.Inherited, rbac.Roster(project.MemberIDs))
		case !errors.Is(err, ErrNotFound):
			return rbac.RoleNone, err
		}
	}
	return rbac.RoleOf(viewerID, res), nil
}

func teamRole(viewerID string, team store.Team) rbac.Role {
	return rbac.RoleOf(viewerID, rbac.Resource{CreatedBy: team.CreatedBy, Members: memberRoles(team.Members)})
}

func projectRole(ctx context.Context, g getter, viewerID string, project store.Project) (rbac.Role, error) {
	res := rbac.Resource{CreatedBy: project.CreatedBy, Members: memberRoles(project.Members)}
	if project.TeamID != "" {
		team, err := getTeam(ctx, g, project.TeamID)
		switch {
		case err == nil:
			res.Inherited = append(res.Inherited, rbac.Roster(team.MemberIDs))
		case !errors.Is(err, ErrNotFound):
			return rbac.RoleNone, err
		}
	}
	return rbac.RoleOf(viewerID, res), nil
}

// authorizedLoop loads a loop and checks allow against the viewer's role.
func authorizedLoop(ctx context.Context, g getter, viewerID, loopID string, allow func(rbac.Role) bool, denied string) (store.Loop, rbac.Role, error) {
	loop, err := getLoop(ctx, g, loopID)
	if err != nil {
		return store.Loop{}, rbac.RoleNone, err
	}
	role, err := loopRole(ctx, g, viewerID, loop)
	if err != nil {
		return store.Loop{}, rbac.RoleNone, err
	}
	if !allow(role) {
		return store.Loop{}, role, permissionDenied(denied)
	}
	return loop, role, nil
}

func ownerEntry(viewerID string) map[string]any {
	return map[string]any{
		viewerID: map[string]any{
			"role":    string(rbac.RoleOwner),
			"addedAt": store.ServerTimestamp,
			"addedBy": viewerID,
		},
	}
}

func memberEntry(role rbac.Role, addedBy string) map[string]any {
	return map[string]any{
		"role":    string(role),
		"addedAt": store.ServerTimestamp,
		"addedBy": addedBy,
	}
}

// parseGrantableRole accepts editor and viewer. Owner is never granted.
func parseGrantableRole(role string) (rbac.Role, error) {
	r := rbac.Role(strings.ToLower(strings.TrimSpace(role)))
	if rbac.Grantable(r) {
		return r, nil
	}
	if r == rbac.RoleOwner {
		return "", invalidOperation("ownership cannot be granted")
	}
	return "", validationError("Invalid role", []map[string]string{{"role": "is not an allowed value"}})
}

func queryDocs(ctx context.Context, tx store.Tx, collection, field string, value any) ([]store.Document, error) {
	return tx.Query(ctx, store.Query{
		Collection: collection,
		Filters:    []store.Filter{{Field: field, Op: store.OpEqual, Value: value}},
	})
}
