package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"loops/api/internal/auth"
	"loops/api/internal/live"
	"loops/api/internal/logging"
	"loops/api/internal/store"
)

const (
	maxUploadBytes = 32 << 20
	// PasswordHeader carries the password of a protected public link.
	PasswordHeader = "X-Loop-Password"
)

type HTTPConfig struct {
	CORSOrigin  string
	TokenSecret []byte
	// Billing receives POST /api/billing/webhook when set.
	Billing http.Handler
	// Heartbeat is the interval of keep-alive comments on live streams.
	Heartbeat time.Duration
}

type HTTPServer struct {
	service *Service
	live    *live.Manager
	cfg     HTTPConfig
	log     *zap.Logger
}

func NewHTTPServer(service *Service, manager *live.Manager, cfg HTTPConfig, log *zap.Logger) *HTTPServer {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &HTTPServer{service: service, live: manager, cfg: cfg, log: logging.OrNop(log)}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware, middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/public/{publicID}", s.handleOpenPublic)
	if s.cfg.Billing != nil {
		r.Method(http.MethodPost, "/api/billing/webhook", s.cfg.Billing)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireViewer)

		r.Post("/api/me", s.handleEnsureUser)
		r.Get("/api/search", s.handleSearch)

		r.Route("/api/loops", func(r chi.Router) {
			r.Get("/", s.handleListLoops)
			r.Post("/", s.handleCreateLoop)
			r.Route("/{loopID}", func(r chi.Router) {
				r.Get("/", s.handleGetLoop)
				r.Patch("/", s.handleUpdateLoop)
				r.Delete("/", s.handleDeleteLoop)
				r.Post("/archive", s.handleArchiveLoop)
				r.Post("/restore", s.handleRestoreLoop)
				r.Put("/public", s.handleSetPublic)
				r.Post("/members", s.handleAddLoopMember)
				r.Put("/members/{userID}", s.handleUpdateLoopMember)
				r.Delete("/members/{userID}", s.handleRemoveLoopMember)
				r.Get("/spots", s.handleListSpots)
				r.Post("/spots", s.handleCreateSpot)
				r.Get("/comments", s.handleListComments)
			})
		})

		r.Route("/api/spots/{spotID}", func(r chi.Router) {
			r.Patch("/", s.handleUpdateSpot)
			r.Delete("/", s.handleDeleteSpot)
			r.Put("/status", s.handleSetSpotStatus)
		})

		r.Post("/api/comments", s.handleCreateComment)
		r.Route("/api/comments/{commentID}", func(r chi.Router) {
			r.Patch("/", s.handleUpdateComment)
			r.Delete("/", s.handleDeleteComment)
		})

		r.Route("/api/teams", func(r chi.Router) {
			r.Get("/", s.handleListTeams)
			r.Post("/", s.handleCreateTeam)
			r.Delete("/{teamID}", s.handleDeleteTeam)
			r.Post("/{teamID}/members", s.handleAddTeamMember)
			r.Delete("/{teamID}/members/{userID}", s.handleRemoveTeamMember)
		})

		r.Route("/api/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Delete("/{projectID}", s.handleDeleteProject)
			r.Post("/{projectID}/members", s.handleAddProjectMember)
			r.Delete("/{projectID}/members/{userID}", s.handleRemoveProjectMember)
			r.Put("/{projectID}/loops/{loopID}", s.handleAddLoopToProject)
			r.Delete("/{projectID}/loops/{loopID}", s.handleRemoveLoopFromProject)
		})

		r.Route("/api/live", func(r chi.Router) {
			r.Get("/loops", s.handleLiveLoops)
			r.Get("/loops/{loopID}/spots", s.handleLiveSpots)
			r.Get("/loops/{loopID}/comments", s.handleLiveComments)
			r.Get("/teams/{teamID}/loops", s.handleLiveTeamLoops)
			r.Post("/reconnect", s.handleLiveReconnect)
		})
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if s.live != nil {
		checks["live"] = map[string]any{
			"subscriptions": s.live.Active(),
			"offline":       s.live.IsOffline(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type viewerKey struct{}

type viewer struct {
	id    string
	name  string
	email string
}

func viewerFrom(ctx context.Context) viewer {
	v, _ := ctx.Value(viewerKey{}).(viewer)
	return v
}

func (s *HTTPServer) requireViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" {
			s.writeServiceError(w, r, ErrUnauthenticated)
			return
		}
		claims, err := auth.ParseToken(s.cfg.TokenSecret, token)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), viewerKey{}, viewer{id: claims.Subject, name: claims.Name, email: claims.Email})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) handleEnsureUser(w http.ResponseWriter, r *http.Request) {
	v := viewerFrom(r.Context())
	var body EnsureUserInput
	if !s.decode(w, r, &body) {
		return
	}
	if body.DisplayName == "" {
		body.DisplayName = v.name
	}
	if body.Email == "" {
		body.Email = v.email
	}
	user, err := s.service.EnsureUser(r.Context(), v.id, body)
	s.respond(w, r, http.StatusOK, user, err)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	resp, err := s.service.SearchLoops(r.Context(), viewerFrom(r.Context()).id, SearchLoopsInput{
		Text:            q.Get("q"),
		TeamID:          q.Get("teamId"),
		IncludeArchived: q.Get("includeArchived") == "true",
		Limit:           limit,
	})
	s.respond(w, r, http.StatusOK, resp, err)
}

func (s *HTTPServer) handleListLoops(w http.ResponseWriter, r *http.Request) {
	loops, err := s.service.ListLoops(r.Context(), viewerFrom(r.Context()).id, ListLoopsInput{
		TeamID:          r.URL.Query().Get("teamId"),
		IncludeArchived: r.URL.Query().Get("includeArchived") == "true",
	})
	s.respond(w, r, http.StatusOK, map[string]any{"items": loops}, err)
}

// handleCreateLoop accepts JSON, or multipart form data carrying "file" and
// repeated "pages" parts for image and PDF loops.
func (s *HTTPServer) handleCreateLoop(w http.ResponseWriter, r *http.Request) {
	var input CreateLoopInput
	if isMultipart(r) {
		form, err := parseMultipart(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input = CreateLoopInput{
			Title:     form.Field("title"),
			Type:      store.LoopType(form.Field("type")),
			Content:   form.Field("content"),
			TeamID:    form.Field("teamId"),
			ProjectID: form.Field("projectId"),
		}
		files, err := form.Uploads("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if len(files) > 0 {
			input.File = &files[0]
		}
		if input.Pages, err = form.Uploads("pages"); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
	} else if !s.decode(w, r, &input) {
		return
	}
	loop, err := s.service.CreateLoop(r.Context(), viewerFrom(r.Context()).id, input)
	s.respond(w, r, http.StatusCreated, loop, err)
}

func (s *HTTPServer) handleGetLoop(w http.ResponseWriter, r *http.Request) {
	loop, role, err := s.service.GetLoop(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"))
	s.respond(w, r, http.StatusOK, map[string]any{"loop": loop, "role": role}, err)
}

func (s *HTTPServer) handleUpdateLoop(w http.ResponseWriter, r *http.Request) {
	var body UpdateLoopInput
	if !s.decode(w, r, &body) {
		return
	}
	loop, err := s.service.UpdateLoop(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"), body)
	s.respond(w, r, http.StatusOK, loop, err)
}

func (s *HTTPServer) handleDeleteLoop(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteLoop(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleArchiveLoop(w http.ResponseWriter, r *http.Request) {
	err := s.service.ArchiveLoop(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleRestoreLoop(w http.ResponseWriter, r *http.Request) {
	err := s.service.RestoreLoop(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleSetPublic(w http.ResponseWriter, r *http.Request) {
	var body PublicLinkInput
	if !s.decode(w, r, &body) {
		return
	}
	link, err := s.service.SetLoopPublic(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"), body)
	s.respond(w, r, http.StatusOK, link, err)
}

func (s *HTTPServer) handleOpenPublic(w http.ResponseWriter, r *http.Request) {
	loop, err := s.service.OpenPublicLoop(r.Context(), chi.URLParam(r, "publicID"), r.Header.Get(PasswordHeader))
	s.respond(w, r, http.StatusOK, loop, err)
}

type memberBody struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (s *HTTPServer) handleAddLoopMember(w http.ResponseWriter, r *http.Request) {
	var body memberBody
	if !s.decode(w, r, &body) {
		return
	}
	err := s.service.AddLoopMember(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"), body.UserID, body.Role)
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleUpdateLoopMember(w http.ResponseWriter, r *http.Request) {
	var body memberBody
	if !s.decode(w, r, &body) {
		return
	}
	err := s.service.UpdateLoopMemberRole(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"), chi.URLParam(r, "userID"), body.Role)
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleRemoveLoopMember(w http.ResponseWriter, r *http.Request) {
	err := s.service.RemoveLoopMember(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"), chi.URLParam(r, "userID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleListSpots(w http.ResponseWriter, r *http.Request) {
	spots, err := s.service.ListSpots(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"))
	s.respond(w, r, http.StatusOK, map[string]any{"items": spots}, err)
}

func (s *HTTPServer) handleCreateSpot(w http.ResponseWriter, r *http.Request) {
	var body CreateSpotInput
	if !s.decode(w, r, &body) {
		return
	}
	spot, err := s.service.CreateSpot(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"), body)
	s.respond(w, r, http.StatusCreated, spot, err)
}

func (s *HTTPServer) handleUpdateSpot(w http.ResponseWriter, r *http.Request) {
	var body UpdateSpotInput
	if !s.decode(w, r, &body) {
		return
	}
	spot, err := s.service.UpdateSpot(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "spotID"), body)
	s.respond(w, r, http.StatusOK, spot, err)
}

func (s *HTTPServer) handleSetSpotStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	err := s.service.SetSpotStatus(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "spotID"), body.Status)
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleDeleteSpot(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteSpot(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "spotID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.service.ListComments(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "loopID"), r.URL.Query().Get("targetId"))
	s.respond(w, r, http.StatusOK, map[string]any{"items": comments}, err)
}

// handleCreateComment accepts JSON, or multipart form data with repeated
// "attachments" parts.
func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var input CreateCommentInput
	if isMultipart(r) {
		form, err := parseMultipart(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input = CreateCommentInput{
			TargetType: form.Field("targetType"),
			TargetID:   form.Field("targetId"),
			Content:    form.Field("content"),
		}
		if input.Attachments, err = form.Uploads("attachments"); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
	} else if !s.decode(w, r, &input) {
		return
	}
	comment, err := s.service.CreateComment(r.Context(), viewerFrom(r.Context()).id, input)
	s.respond(w, r, http.StatusCreated, comment, err)
}

func (s *HTTPServer) handleUpdateComment(w http.ResponseWriter, r *http.Request) {
	var body UpdateCommentInput
	if !s.decode(w, r, &body) {
		return
	}
	comment, err := s.service.UpdateComment(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "commentID"), body)
	s.respond(w, r, http.StatusOK, comment, err)
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteComment(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "commentID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.service.ListTeams(r.Context(), viewerFrom(r.Context()).id)
	s.respond(w, r, http.StatusOK, map[string]any{"items": teams}, err)
}

func (s *HTTPServer) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var body CreateTeamInput
	if !s.decode(w, r, &body) {
		return
	}
	team, err := s.service.CreateTeam(r.Context(), viewerFrom(r.Context()).id, body)
	s.respond(w, r, http.StatusCreated, team, err)
}

func (s *HTTPServer) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteTeam(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "teamID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleAddTeamMember(w http.ResponseWriter, r *http.Request) {
	var body memberBody
	if !s.decode(w, r, &body) {
		return
	}
	err := s.service.AddTeamMember(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "teamID"), body.UserID, body.Role)
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleRemoveTeamMember(w http.ResponseWriter, r *http.Request) {
	err := s.service.RemoveTeamMember(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "teamID"), chi.URLParam(r, "userID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context(), viewerFrom(r.Context()).id, r.URL.Query().Get("teamId"))
	s.respond(w, r, http.StatusOK, map[string]any{"items": projects}, err)
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body CreateProjectInput
	if !s.decode(w, r, &body) {
		return
	}
	project, err := s.service.CreateProject(r.Context(), viewerFrom(r.Context()).id, body)
	s.respond(w, r, http.StatusCreated, project, err)
}

func (s *HTTPServer) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteProject(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "projectID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleAddProjectMember(w http.ResponseWriter, r *http.Request) {
	var body memberBody
	if !s.decode(w, r, &body) {
		return
	}
	err := s.service.AddProjectMember(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "projectID"), body.UserID, body.Role)
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleRemoveProjectMember(w http.ResponseWriter, r *http.Request) {
	err := s.service.RemoveProjectMember(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "projectID"), chi.URLParam(r, "userID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleAddLoopToProject(w http.ResponseWriter, r *http.Request) {
	err := s.service.AddLoopToProject(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "projectID"), chi.URLParam(r, "loopID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleRemoveLoopFromProject(w http.ResponseWriter, r *http.Request) {
	err := s.service.RemoveLoopFromProject(r.Context(), viewerFrom(r.Context()).id, chi.URLParam(r, "projectID"), chi.URLParam(r, "loopID"))
	s.respondEmpty(w, r, err)
}

func (s *HTTPServer) handleLiveLoops(w http.ResponseWriter, r *http.Request) {
	v := viewerFrom(r.Context())
	c := ViewerLoops(v.id, r.URL.Query().Get("includeArchived") == "true")
	sub := live.Subscribe[store.Loop](s.live, v.id, store.CollectionLoops, c)
	streamView(s, w, r, sub, redactLoops)
}

func (s *HTTPServer) handleLiveTeamLoops(w http.ResponseWriter, r *http.Request) {
	v := viewerFrom(r.Context())
	teamID := chi.URLParam(r, "teamID")
	if err := s.service.CanViewTeam(r.Context(), v.id, teamID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	c := TeamLoops(teamID, r.URL.Query().Get("includeArchived") == "true")
	sub := live.Subscribe[store.Loop](s.live, v.id, store.CollectionLoops, c)
	streamView(s, w, r, sub, redactLoops)
}

func (s *HTTPServer) handleLiveSpots(w http.ResponseWriter, r *http.Request) {
	v := viewerFrom(r.Context())
	loopID := chi.URLParam(r, "loopID")
	if err := s.service.CanViewLoop(r.Context(), v.id, loopID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	sub := live.Subscribe[store.Spot](s.live, v.id, store.CollectionSpots, LoopSpots(loopID))
	streamView(s, w, r, sub, nil)
}

func (s *HTTPServer) handleLiveComments(w http.ResponseWriter, r *http.Request) {
	v := viewerFrom(r.Context())
	loopID := chi.URLParam(r, "loopID")
	if err := s.service.CanViewLoop(r.Context(), v.id, loopID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	c := LoopComments(loopID, r.URL.Query().Get("targetId"))
	sub := live.Subscribe[store.Comment](s.live, v.id, store.CollectionComments, c)
	streamView(s, w, r, sub, nil)
}

// handleLiveReconnect re-enables the store network and restarts every live
// subscription without waiting for the next scheduled retry.
func (s *HTTPServer) handleLiveReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.live.GoOnline(r.Context()); err != nil {
		s.writeServiceError(w, r, translate(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"offline":       s.live.IsOffline(),
		"subscriptions": s.live.Active(),
	})
}

func redactLoops(loops []store.Loop) []store.Loop {
	out := make([]store.Loop, len(loops))
	for i, loop := range loops {
		out[i] = redactLoop(loop)
	}
	return out
}

// streamView writes every view of sub as a server-sent "view" event until the
// client goes away. The subscription is closed on return.
func streamView[T any](s *HTTPServer, w http.ResponseWriter, r *http.Request, sub *live.Subscription[T], transform func([]T) []T) {
	defer sub.Close()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.log.Warn("live stream cannot flush", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		case view, ok := <-sub.Updates():
			if !ok {
				return
			}
			if transform != nil {
				view.Items = transform(view.Items)
			}
			payload, err := json.Marshal(view)
			if err != nil {
				s.log.Error("live view encode failed", zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: view\ndata: %s\n\n", payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) respondEmpty(w http.ResponseWriter, r *http.Request, err error) {
	s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.cfg.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+PasswordHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

type multipartForm struct {
	*multipart.Form
}

func parseMultipart(w http.ResponseWriter, r *http.Request) (multipartForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return multipartForm{}, fmt.Errorf("invalid multipart body")
	}
	return multipartForm{r.MultipartForm}, nil
}

func (f multipartForm) Field(key string) string {
	if values := f.Value[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func (f multipartForm) Uploads(key string) ([]Upload, error) {
	headers := f.File[key]
	uploads := make([]Upload, 0, len(headers))
	for _, fh := range headers {
		file, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		contentType := fh.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		uploads = append(uploads, Upload{Name: fh.Filename, ContentType: contentType, Data: data})
	}
	return uploads, nil
}
