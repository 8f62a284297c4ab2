package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loops/api/internal/auth"
	"loops/api/internal/live"
	"loops/api/internal/store"
)

var testSecret = []byte("test-secret")

type httpFixture struct {
	*fixture
	manager *live.Manager
	server  *HTTPServer
}

func newHTTPFixture(t *testing.T, billing http.Handler) *httpFixture {
	t.Helper()
	f := newFixture(t)
	manager := live.NewManager(f.store, nil)
	t.Cleanup(manager.Close)
	server := NewHTTPServer(f.svc, manager, HTTPConfig{
		CORSOrigin:  "*",
		TokenSecret: testSecret,
		Billing:     billing,
	}, nil)
	return &httpFixture{fixture: f, manager: manager, server: server}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueFor(testSecret, userID, strings.ToUpper(userID[:1])+userID[1:], userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (h *httpFixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	h := newHTTPFixture(t, nil)
	rr := h.do(http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Fatalf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpointReportsStoreOutage(t *testing.T) {
	h := newHTTPFixture(t, nil)

	rr := h.do(http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	if err := h.store.DisableNetwork(context.Background()); err != nil {
		t.Fatalf("disable network: %v", err)
	}
	rr = h.do(http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected status not_ready, got %v", payload["status"])
	}
}

func TestRequestsWithoutValidTokenAreUnauthenticated(t *testing.T) {
	h := newHTTPFixture(t, nil)
	for name, token := range map[string]string{"missing": "", "garbage": "not-a-token"} {
		t.Run(name, func(t *testing.T) {
			rr := h.do(http.MethodGet, "/api/loops", token, "")
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401, got %d", rr.Code)
			}
			if code := decodeResponse(t, rr)["code"]; code != "UNAUTHENTICATED" {
				t.Fatalf("expected code UNAUTHENTICATED, got %v", code)
			}
		})
	}
}

func TestOptionsRequestsGetCORSHeaders(t *testing.T) {
	h := newHTTPFixture(t, nil)
	rr := h.do(http.MethodOptions, "/api/loops/loop_1/spots", "", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS origin *, got %q", got)
	}
}

func TestLoopLifecycleOverHTTP(t *testing.T) {
	h := newHTTPFixture(t, nil)
	ann := tokenFor(t, "ann")

	rr := h.do(http.MethodPost, "/api/me", ann, `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("ensure user: %d %s", rr.Code, rr.Body.String())
	}
	if name := decodeResponse(t, rr)["displayName"]; name != "Ann" {
		t.Fatalf("expected display name from token, got %v", name)
	}

	rr = h.do(http.MethodPost, "/api/loops", ann, `{"title":"Home","type":"url","content":"https://example.com"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create loop: %d %s", rr.Code, rr.Body.String())
	}
	loopID, _ := decodeResponse(t, rr)["id"].(string)

	rr = h.do(http.MethodPost, "/api/loops/"+loopID+"/spots", ann, `{"position":{"x":4,"y":8},"content":"nav"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create spot: %d %s", rr.Code, rr.Body.String())
	}
	spot := decodeResponse(t, rr)
	if spot["number"] != float64(1) {
		t.Fatalf("expected spot number 1, got %v", spot["number"])
	}

	rr = h.do(http.MethodPost, "/api/comments", ann, `{"targetType":"spot","targetId":"`+spot["id"].(string)+`","content":"too tight"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create comment: %d %s", rr.Code, rr.Body.String())
	}

	rr = h.do(http.MethodGet, "/api/loops/"+loopID+"/comments", ann, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list comments: %d %s", rr.Code, rr.Body.String())
	}
	if items, _ := decodeResponse(t, rr)["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 comment, got %d", len(items))
	}

	rr = h.do(http.MethodGet, "/api/loops/"+loopID, ann, "")
	payload := decodeResponse(t, rr)
	if payload["role"] != "owner" {
		t.Fatalf("expected role owner, got %v", payload["role"])
	}
	loop, _ := payload["loop"].(map[string]any)
	if loop["spotCount"] != float64(1) || loop["commentCount"] != float64(1) {
		t.Fatalf("unexpected counts: %v", loop)
	}

	rr = h.do(http.MethodDelete, "/api/loops/"+loopID, ann, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete loop: %d %s", rr.Code, rr.Body.String())
	}
	rr = h.do(http.MethodGet, "/api/loops/"+loopID, ann, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestViewerWriteEndpointsAreForbidden(t *testing.T) {
	h := newHTTPFixture(t, nil)
	h.user("ann", "Ann")
	h.user("bob", "Bob")
	loop := h.urlLoop("ann", "home")
	h.addMember("ann", loop.ID, "bob", "viewer")
	spot := h.spot("ann", loop.ID)
	bob := tokenFor(t, "bob")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "rename loop", method: http.MethodPatch, path: "/api/loops/" + loop.ID, body: `{"title":"Mine"}`},
		{name: "archive loop", method: http.MethodPost, path: "/api/loops/" + loop.ID + "/archive", body: `{}`},
		{name: "delete loop", method: http.MethodDelete, path: "/api/loops/" + loop.ID},
		{name: "share loop", method: http.MethodPut, path: "/api/loops/" + loop.ID + "/public", body: `{"isPublic":true}`},
		{name: "add member", method: http.MethodPost, path: "/api/loops/" + loop.ID + "/members", body: `{"userId":"ann","role":"viewer"}`},
		{name: "edit spot", method: http.MethodPatch, path: "/api/spots/" + spot.ID, body: `{"content":"mine"}`},
		{name: "delete spot", method: http.MethodDelete, path: "/api/spots/" + spot.ID},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := h.do(tc.method, tc.path, bob, tc.body)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
			}
			if code := decodeResponse(t, rr)["code"]; code != "PERMISSION_DENIED" {
				t.Fatalf("expected code PERMISSION_DENIED, got %v", code)
			}
		})
	}

	rr := h.do(http.MethodPut, "/api/spots/"+spot.ID+"/status", bob, `{"status":"resolved"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("viewer should resolve spots, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestPublicLinkEndpoint(t *testing.T) {
	h := newHTTPFixture(t, nil)
	h.user("ann", "Ann")
	loop := h.urlLoop("ann", "home")

	rr := h.do(http.MethodPut, "/api/loops/"+loop.ID+"/public", tokenFor(t, "ann"), `{"isPublic":true,"password":"open-sesame"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("share loop: %d %s", rr.Code, rr.Body.String())
	}
	publicID, _ := decodeResponse(t, rr)["publicId"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/public/"+publicID, nil)
	rr = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without password, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/public/"+publicID, nil)
	req.Header.Set(PasswordHeader, "open-sesame")
	rr = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with password, got %d %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "publicPasswordHash") {
		t.Fatalf("password hash leaked: %s", rr.Body.String())
	}
}

func TestCreateCommentWithAttachments(t *testing.T) {
	h := newHTTPFixture(t, nil)
	h.user("ann", "Ann")
	loop := h.urlLoop("ann", "home")

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	_ = form.WriteField("targetType", "loop")
	_ = form.WriteField("targetId", loop.ID)
	_ = form.WriteField("content", "see screenshot")
	part, err := form.CreateFormFile("attachments", "shot.png")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte("\x89PNG"))
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/comments", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "ann"))
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d %s", rr.Code, rr.Body.String())
	}
	var comment store.Comment
	if err := json.Unmarshal(rr.Body.Bytes(), &comment); err != nil {
		t.Fatalf("parse comment: %v", err)
	}
	if len(comment.Attachments) != 1 || !h.blobs.has(comment.Attachments[0].Path) {
		t.Fatalf("attachment not stored: %+v", comment.Attachments)
	}
}

func TestBillingWebhookIsMountedWithoutViewer(t *testing.T) {
	var called bool
	billing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	})
	h := newHTTPFixture(t, billing)

	rr := h.do(http.MethodPost, "/api/billing/webhook", "", `{}`)
	if rr.Code != http.StatusAccepted || !called {
		t.Fatalf("expected billing handler to run, got %d", rr.Code)
	}
}

func readView(t *testing.T, reader *bufio.Reader) live.View[store.Spot] {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: ")
		if !ok {
			continue
		}
		var view live.View[store.Spot]
		if err := json.Unmarshal([]byte(data), &view); err != nil {
			t.Fatalf("parse view: %v", err)
		}
		return view
	}
}

func TestLiveReconnectEndpoint(t *testing.T) {
	h := newHTTPFixture(t, nil)
	if err := h.manager.GoOffline(context.Background()); err != nil {
		t.Fatalf("go offline: %v", err)
	}

	if rr := h.do(http.MethodPost, "/api/live/reconnect", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without token, got %d", rr.Code)
	}

	rr := h.do(http.MethodPost, "/api/live/reconnect", tokenFor(t, "ann"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if offline := decodeResponse(t, rr)["offline"]; offline != false {
		t.Fatalf("expected offline=false, got %v", offline)
	}
	if h.manager.IsOffline() {
		t.Fatal("manager still offline after reconnect")
	}
	if err := h.svc.Ping(context.Background()); err != nil {
		t.Fatalf("store still unreachable after reconnect: %v", err)
	}
}

func TestLiveSpotsStream(t *testing.T) {
	h := newHTTPFixture(t, nil)
	h.user("ann", "Ann")
	loop := h.urlLoop("ann", "home")
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/live/loops/"+loop.ID+"/spots", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "ann"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	for view := readView(t, reader); view.Loading; view = readView(t, reader) {
	}

	h.spot("ann", loop.ID)
	for {
		view := readView(t, reader)
		if len(view.Items) == 1 {
			if view.Items[0].Number != 1 {
				t.Fatalf("expected spot 1, got %d", view.Items[0].Number)
			}
			return
		}
	}
}

func TestLiveStreamHidesForeignLoops(t *testing.T) {
	h := newHTTPFixture(t, nil)
	h.user("ann", "Ann")
	loop := h.urlLoop("ann", "home")

	rr := h.do(http.MethodGet, "/api/live/loops/"+loop.ID+"/comments", tokenFor(t, "eve"), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
