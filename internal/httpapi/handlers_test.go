package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callcore/internal/auth"
	"callcore/internal/calls"
	"callcore/internal/config"
	"callcore/internal/history"
	"callcore/internal/signaling"

	"github.com/gin-gonic/gin"
)

type fakeCalls struct {
	mu      sync.Mutex
	ready   bool
	current calls.Snapshot
	err     error

	initiated []string
	commands  []string
	subs      []chan calls.Snapshot
}

func (f *fakeCalls) Current() calls.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeCalls) Initiate(ctx context.Context, remote string, kind signaling.CallType) (calls.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return calls.Snapshot{}, f.err
	}
	f.initiated = append(f.initiated, remote+":"+string(kind))
	f.current = calls.Snapshot{Status: calls.StatusRinging, Role: calls.RoleCaller, RemoteUserID: remote, Kind: kind}
	return f.current, nil
}

func (f *fakeCalls) cmd(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, name)
	return f.err
}

func (f *fakeCalls) Accept(ctx context.Context) error { return f.cmd("accept") }
func (f *fakeCalls) Reject(ctx context.Context) error { return f.cmd("reject") }
func (f *fakeCalls) HangUp(ctx context.Context) error { return f.cmd("hangup") }

func (f *fakeCalls) ToggleAudio(ctx context.Context) (bool, error) {
	return true, f.cmd("audio")
}

func (f *fakeCalls) ToggleVideo(ctx context.Context) (bool, error) {
	return false, f.cmd("video")
}

func (f *fakeCalls) Subscribe(buffer int) (<-chan calls.Snapshot, func()) {
	ch := make(chan calls.Snapshot, buffer)
	f.mu.Lock()
	ch <- f.current
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeCalls) push(s calls.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = s
	for _, ch := range f.subs {
		ch <- s
	}
}

func (f *fakeCalls) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

type fixture struct {
	router *gin.Engine
	calls  *fakeCalls
	repo   *history.MemoryRepo
	auth   *auth.Manager
	token  string
}

func newFixture(t *testing.T, devTokens bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	pair, err := am.IssuePair(time.Now(), "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	f := &fixture{
		calls: &fakeCalls{ready: true, current: calls.Snapshot{Status: calls.StatusIdle, LocalUserID: "alice"}},
		repo:  history.NewMemoryRepo(),
		auth:  am,
		token: pair.AccessToken,
	}
	r := gin.New()
	Register(r, Handlers{
		Auth:        am,
		Calls:       f.calls,
		History:     history.NewService(f.repo),
		LocalUserID: "alice",
	}, devTokens)
	f.router = r
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealthReflectsSignalReadiness(t *testing.T) {
	f := newFixture(t, false)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	f.calls.mu.Lock()
	f.calls.ready = false
	f.calls.mu.Unlock()
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestCallRoutesRequireToken(t *testing.T) {
	f := newFixture(t, false)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/calls/current", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestInitiateCall(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(http.MethodPost, "/v1/calls", `{"remote_user_id":"bob","call_type":"video"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var snap calls.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != calls.StatusRinging || snap.RemoteUserID != "bob" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(f.calls.initiated) != 1 || f.calls.initiated[0] != "bob:video" {
		t.Fatalf("unexpected initiations: %v", f.calls.initiated)
	}

	for _, body := range []string{`{`, `{"remote_user_id":"bob","call_type":"fax"}`, `{"call_type":"voice"}`} {
		if w := f.do(http.MethodPost, "/v1/calls", body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		path string
		want int
	}{
		{calls.ErrBusy, "/v1/calls/accept", http.StatusConflict},
		{calls.ErrInvalidTransition, "/v1/calls/reject", http.StatusConflict},
		{calls.ErrNoSession, "/v1/calls/hangup", http.StatusNotFound},
		{signaling.ErrTransportUnavailable, "/v1/calls/accept", http.StatusServiceUnavailable},
		{calls.ErrInvalidArgument, "/v1/calls/audio/toggle", http.StatusBadRequest},
	}
	for _, tc := range cases {
		f := newFixture(t, false)
		f.calls.err = tc.err
		w := f.do(http.MethodPost, tc.path, "")
		if w.Code != tc.want {
			t.Fatalf("%v on %s: expected %d, got %d", tc.err, tc.path, tc.want, w.Code)
		}
	}

	f := newFixture(t, false)
	f.calls.err = signaling.ErrTransportUnavailable
	w := f.do(http.MethodPost, "/v1/calls", `{"remote_user_id":"bob","call_type":"voice"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Not connected") {
		t.Fatalf("expected user-facing message, got %s", w.Body.String())
	}
}

func TestCommandsAndToggles(t *testing.T) {
	f := newFixture(t, false)

	for _, p := range []string{"/v1/calls/accept", "/v1/calls/reject", "/v1/calls/hangup"} {
		if w := f.do(http.MethodPost, p, ""); w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", p, w.Code)
		}
	}
	w := f.do(http.MethodPost, "/v1/calls/audio/toggle", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"audio_muted":true`) {
		t.Fatalf("unexpected audio toggle response: %d %s", w.Code, w.Body.String())
	}
	w = f.do(http.MethodPost, "/v1/calls/video/toggle", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"video_off":false`) {
		t.Fatalf("unexpected video toggle response: %d %s", w.Code, w.Body.String())
	}
	want := []string{"accept", "reject", "hangup", "audio", "video"}
	if strings.Join(f.calls.commands, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected commands: %v", f.calls.commands)
	}
}

func TestHistoryRoutes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := 30
	for i, rec := range []history.Record{
		{SessionID: "s1", CallerID: "alice", ReceiverID: "bob", CallType: signaling.CallTypeVoice, Outcome: history.OutcomeCompleted, DurationSeconds: &d},
		{SessionID: "s2", CallerID: "bob", ReceiverID: "alice", CallType: signaling.CallTypeVideo, Outcome: history.OutcomeMissed},
	} {
		rec.ID = rec.SessionID
		rec.RecordedBy = "alice"
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := f.repo.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	w := f.do(http.MethodGet, "/v1/history?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Records []history.Record `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Records) != 1 || list.Records[0].SessionID != "s2" {
		t.Fatalf("expected newest record only, got %+v", list.Records)
	}

	if w := f.do(http.MethodGet, "/v1/history?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}

	w = f.do(http.MethodGet, "/v1/history/summary?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sum history.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.TotalCalls != 2 || sum.CompletedCalls != 1 || sum.MissedCalls != 1 || sum.TotalDurationSeconds != 30 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	if w := f.do(http.MethodGet, "/v1/history/summary?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/v1/history/summary?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", w.Code)
	}
}

func TestDevTokenRoute(t *testing.T) {
	off := newFixture(t, false)
	w := httptest.NewRecorder()
	off.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/token", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without dev tokens, got %d", w.Code)
	}

	on := newFixture(t, true)
	w = httptest.NewRecorder()
	on.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/token", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(w.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := on.auth.Verify(pair.AccessToken, auth.TokenTypeAccess, time.Now())
	if err != nil || claims.UserID != "alice" {
		t.Fatalf("issued token invalid: %v %+v", err, claims)
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{"refresh_token":"`+pair.RefreshToken+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	on.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", w.Code)
	}
}
