package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/playertxt/internal/config"
	"github.com/nugget/playertxt/internal/escalation"
	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/game"
	"github.com/nugget/playertxt/internal/mission"
	"github.com/nugget/playertxt/internal/opstate"
	"github.com/nugget/playertxt/internal/preflight"
	"github.com/nugget/playertxt/internal/provider"
	"github.com/nugget/playertxt/internal/scenario"
	"github.com/nugget/playertxt/internal/storage"
)

const testAdminToken = "admin-token"

type fakeMission struct {
	mu        sync.Mutex
	err       error
	abortErr  error
	session   mission.Session
	worldID   int64
	start     *time.Time
	duration  int
	scheduled int
}

func (f *fakeMission) Schedule(worldID int64, start *time.Time, durationMinutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled++
	f.worldID, f.start, f.duration = worldID, start, durationMinutes
	return f.err
}

func (f *fakeMission) Abort(context.Context) error { return f.abortErr }

func (f *fakeMission) Status() mission.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

type fakeHealth struct{ status preflight.Status }

func (f *fakeHealth) Status() preflight.Status { return f.status }

type fakeProviders struct {
	mu        sync.Mutex
	targets   provider.Targets
	verify    provider.VerifyResult
	models    []string
	modelsErr error
}

func (f *fakeProviders) Verify(_ context.Context, role provider.Role) provider.VerifyResult {
	res := f.verify
	res.Role = role
	return res
}

func (f *fakeProviders) ListModels(context.Context, provider.Kind, string, string) ([]string, error) {
	return f.models, f.modelsErr
}

func (f *fakeProviders) SetTargets(t provider.Targets) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = t
}

func (f *fakeProviders) Targets() provider.Targets {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets
}

type fakeEngine struct {
	mu       sync.Mutex
	reply    game.Reply
	view     game.View
	stateErr error
	commands []string
}

func (f *fakeEngine) Process(_ context.Context, _ int64, raw string) game.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, raw)
	return f.reply
}

func (f *fakeEngine) State(context.Context, int64) (game.View, error) {
	return f.view, f.stateErr
}

type fakeGenerator struct {
	world *scenario.World
	err   error
}

func (f *fakeGenerator) Generate(context.Context, string, int) (*scenario.World, error) {
	return f.world, f.err
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	store     *storage.Store
	system    *opstate.Store
	mission   *fakeMission
	health    *fakeHealth
	providers *fakeProviders
	engine    *fakeEngine
	generator *fakeGenerator
	bus       *events.Bus
	ring      *events.Ring
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.Open("sqlite", filepath.Join(dir, "playertxt.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	system, err := opstate.NewStore(filepath.Join(dir, "system.db"))
	if err != nil {
		t.Fatalf("opstate.NewStore: %v", err)
	}
	t.Cleanup(func() { system.Close() })

	env := &testEnv{
		store:   store,
		system:  system,
		mission: &fakeMission{session: mission.Session{Status: mission.StatusIdle}},
		health: &fakeHealth{status: preflight.Status{
			StorageUp: true,
			RoleUp:    map[provider.Role]bool{provider.RoleWorkhorse: true, provider.RoleDirector: false},
			RoleError: map[provider.Role]string{provider.RoleDirector: "gemini: provider unroutable"},
			Mode:      preflight.ModeOnline,
		}},
		providers: &fakeProviders{verify: provider.VerifyResult{OK: true, Message: "ONLINE"}},
		engine:    &fakeEngine{},
		generator: &fakeGenerator{},
		bus:       events.New(),
		ring:      events.NewRing(50),
	}

	base := config.ProvidersConfig{
		Director:     config.RoleConfig{Provider: "gemini"},
		Workhorse:    config.RoleConfig{Provider: "ollama"},
		GeminiAPIKey: "base-key-1234",
	}
	env.providers.targets = provider.TargetsFromConfig(base)

	env.server = NewServer("", 8080, Deps{
		Store:         store,
		System:        system,
		Mission:       env.mission,
		Health:        env.health,
		Providers:     env.providers,
		Engine:        env.engine,
		Generator:     env.generator,
		Routing:       escalation.NewRulePolicy(slog.Default(), escalation.Config{Keywords: []string{"accuse"}}),
		Bus:           env.bus,
		Ring:          env.ring,
		BaseProviders: base,
		Admin:         config.AdminConfig{Token: testAdminToken, JoinURL: "https://play.example.com/"},
		Logger:        slog.Default(),
	})
	env.handler = env.server.Handler()
	return env
}

type request struct {
	method string
	path   string
	body   any
	token  string // bearer
	cookie *http.Cookie
}

func (env *testEnv) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.cookie != nil {
		r.AddCookie(req.cookie)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	return w
}

func (env *testEnv) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, request{method: method, path: path, body: body, token: testAdminToken})
}

// login signs a player in and returns their session cookie.
func (env *testEnv) login(t *testing.T, username string) *http.Cookie {
	t.Helper()
	w := env.do(t, request{method: "POST", path: "/api/v1/login", body: LoginRequest{Username: username}})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body)
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == playerCookie {
			return c
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T from %q: %v", v, w.Body.String(), err)
	}
	return v
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, w)["error"]
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, request{method: "GET", path: "/health"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[map[string]any](t, w)
	if got["status"] != "active" || got["branding"] != "PlayerTXT" {
		t.Errorf("health = %v", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.store.ImportWorld(ctx, scenario.Builtin()); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, request{method: "POST", path: "/api/v1/login", body: LoginRequest{Username: "  ada  "}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	resp := decode[LoginResponse](t, w)
	if resp.Message != "Logged in successfully" || resp.Username != "ada" || resp.PlayerID == 0 {
		t.Errorf("response = %+v", resp)
	}
	if resp.CharacterName != "Relief Keeper" {
		t.Errorf("CharacterName = %q, want first free human character", resp.CharacterName)
	}

	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == playerCookie {
			session = c
		}
	}
	if session == nil || !session.HttpOnly || session.Value == "" {
		t.Fatalf("session cookie = %+v", session)
	}

	p, err := env.store.PlayerByToken(ctx, session.Value)
	if err != nil || p.ID != resp.PlayerID {
		t.Errorf("PlayerByToken = %+v, %v", p, err)
	}
}

func TestLogin_Rejections(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, request{method: "POST", path: "/api/v1/login", body: LoginRequest{Username: "   "}})
	if w.Code != http.StatusBadRequest || errorOf(t, w) != "Username is required" {
		t.Errorf("blank username: %d %s", w.Code, w.Body)
	}

	if err := env.system.SetServerMode(opstate.ServerOffline); err != nil {
		t.Fatal(err)
	}
	w = env.do(t, request{method: "POST", path: "/api/v1/login", body: LoginRequest{Username: "ada"}})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("offline login status = %d", w.Code)
	}
	if got := errorOf(t, w); got != "Server is currently OFFLINE (Maintenance Mode)" {
		t.Errorf("offline error = %q", got)
	}
}

func TestLogin_NoWorlds(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, request{method: "POST", path: "/api/v1/login", body: LoginRequest{Username: "ada"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decode[LoginResponse](t, w); resp.CharacterName != "" {
		t.Errorf("CharacterName = %q without any world", resp.CharacterName)
	}
}

func TestRequirePlayer(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "ada")

	tests := []struct {
		name    string
		req     request
		want    int
		wantErr string
	}{
		{"no credentials", request{method: "GET", path: "/api/v1/comms"}, http.StatusUnauthorized, "Unauthorized"},
		{"unknown cookie", request{method: "GET", path: "/api/v1/comms", cookie: &http.Cookie{Name: playerCookie, Value: "nope"}}, http.StatusUnauthorized, "Invalid session"},
		{"cookie", request{method: "GET", path: "/api/v1/comms", cookie: cookie}, http.StatusOK, ""},
		{"bearer", request{method: "GET", path: "/api/v1/comms", token: cookie.Value}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.wantErr != "" && errorOf(t, w) != tt.wantErr {
				t.Errorf("error = %q, want %q", errorOf(t, w), tt.wantErr)
			}
		})
	}
}

func TestState(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "ada")

	env.engine.view = game.View{
		Room:         game.RoomZone{RoomName: "The Dock", Items: []storage.ItemView{}, Exits: []storage.ExitView{}},
		Status:       game.StatusZone{CharacterName: "Relief Keeper", Health: 100, Time: "21:04"},
		SystemStatus: mission.StatusRunning,
		MissionTimer: 90,
	}
	w := env.do(t, request{method: "GET", path: "/api/v1/state", cookie: cookie})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[map[string]any](t, w)
	if got["systemStatus"] != "RUNNING" || got["missionTimer"] != float64(90) {
		t.Errorf("state = %v", got)
	}
	if zoneA, _ := got["zoneA"].(map[string]any); zoneA["roomName"] != "The Dock" {
		t.Errorf("zoneA = %v", got["zoneA"])
	}

	env.engine.stateErr = game.ErrNoCharacter
	w = env.do(t, request{method: "GET", path: "/api/v1/state", cookie: cookie})
	if w.Code != http.StatusNotFound || errorOf(t, w) != "No active session or character found" {
		t.Errorf("no character: %d %s", w.Code, w.Body)
	}
}

func TestAction(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "ada")

	w := env.do(t, request{method: "POST", path: "/api/v1/action", body: ActionRequest{Command: " "}, cookie: cookie})
	if w.Code != http.StatusBadRequest || errorOf(t, w) != "Command is required" {
		t.Errorf("blank command: %d %s", w.Code, w.Body)
	}

	room := int64(7)
	env.engine.reply = game.Reply{Message: "The fog is *thick* here.", NewRoomID: &room, Role: provider.RoleWorkhorse}
	w = env.do(t, request{method: "POST", path: "/api/v1/action", body: ActionRequest{Command: "look"}, cookie: cookie})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[ActionResponse](t, w)
	if resp.Message != "The fog is *thick* here." || resp.NewRoomID == nil || *resp.NewRoomID != 7 {
		t.Errorf("response = %+v", resp)
	}
	if !strings.Contains(resp.HTML, "<em>thick</em>") {
		t.Errorf("HTML = %q, want rendered emphasis", resp.HTML)
	}
	if len(env.engine.commands) != 1 || env.engine.commands[0] != "look" {
		t.Errorf("engine saw %v", env.engine.commands)
	}
}

func TestComms(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "ada")

	env.ring.Add(events.Event{Source: events.SourceMission, Kind: events.KindScheduled, Message: "Mission scheduled"})
	env.ring.Add(events.Event{Source: events.SourceMission, Kind: events.KindRecordFailed, Message: "db down"})
	env.ring.Add(events.Event{Source: events.SourceCommand, Kind: events.KindCommand, Message: "Player 1 moved north"})
	env.ring.Add(events.Event{
		Source:  events.SourceSystem,
		Kind:    events.KindBroadcast,
		Message: "Storm warning",
		Data:    map[string]any{"sender": "Harbour Master"},
	})

	w := env.do(t, request{method: "GET", path: "/api/v1/comms", cookie: cookie})
	got := decode[struct {
		ZoneB []CommsLine `json:"zoneB"`
	}](t, w)

	want := []CommsLine{
		{Source: "SYSTEM", Message: WelcomeMessage},
		{Source: "SYSTEM", Message: "Mission scheduled"},
		{Source: "Harbour Master", Message: "Storm warning"},
	}
	if len(got.ZoneB) != len(want) {
		t.Fatalf("zoneB = %+v", got.ZoneB)
	}
	for i := range want {
		if got.ZoneB[i].Source != want[i].Source || got.ZoneB[i].Message != want[i].Message {
			t.Errorf("zoneB[%d] = %+v, want %+v", i, got.ZoneB[i], want[i])
		}
	}
}

func TestCommsStream(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.login(t, "ada")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", playerCookie+"="+cookie.Value)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/comms/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.bus.Publish(events.Event{Source: events.SourceCommand, Kind: events.KindCommand, Message: "not for comms"})
	env.bus.Publish(events.Event{Source: events.SourceMission, Kind: events.KindActivated, Message: "Mission live"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var line CommsLine
	if err := conn.ReadJSON(&line); err != nil {
		t.Fatalf("read: %v", err)
	}
	if line.Message != "Mission live" || line.Source != "SYSTEM" {
		t.Errorf("line = %+v", line)
	}
}

func TestCommsStream_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/comms/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v", resp)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)
	if err := env.system.SetAdminPassword("lighthouse"); err != nil {
		t.Fatal(err)
	}

	if w := env.do(t, request{method: "GET", path: "/api/v1/admin/game/status"}); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d", w.Code)
	}
	if w := env.do(t, request{method: "GET", path: "/api/v1/admin/game/status", token: "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", w.Code)
	}
	if w := env.admin(t, "GET", "/api/v1/admin/game/status", nil); w.Code != http.StatusOK {
		t.Errorf("token status = %d", w.Code)
	}

	w := env.do(t, request{method: "POST", path: "/admin/login", body: map[string]string{"password": "foghorn!"}})
	if w.Code != http.StatusForbidden || errorOf(t, w) != "ACCESS DENIED" {
		t.Errorf("wrong password: %d %s", w.Code, w.Body)
	}

	// Form posts are accepted too.
	r := httptest.NewRequest("POST", "/admin/login", strings.NewReader("password=lighthouse"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body)
	}
	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == adminCookie {
			session = c
		}
	}
	if session == nil {
		t.Fatal("no admin cookie")
	}

	if w := env.do(t, request{method: "GET", path: "/api/v1/admin/logs", cookie: session}); w.Code != http.StatusOK {
		t.Errorf("cookie status = %d", w.Code)
	}

	env.do(t, request{method: "POST", path: "/admin/logout", cookie: session})
	if w := env.do(t, request{method: "GET", path: "/api/v1/admin/logs", cookie: session}); w.Code != http.StatusUnauthorized {
		t.Errorf("after logout status = %d", w.Code)
	}
}

func TestAdminSessionsExpire(t *testing.T) {
	a := newAdminSessions(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := a.issue(now)

	if !a.valid(tok, now.Add(30*time.Second)) {
		t.Error("fresh session rejected")
	}
	if a.valid(tok, now.Add(2*time.Minute)) {
		t.Error("expired session accepted")
	}
	if a.valid("", now) {
		t.Error("empty token accepted")
	}
}

func TestAdminPassword(t *testing.T) {
	env := newTestEnv(t)
	stale := env.server.admins.issue(time.Now())

	w := env.admin(t, "POST", "/api/v1/admin/password", map[string]string{"newPassword": "short"})
	if w.Code != http.StatusBadRequest || errorOf(t, w) != "Password too short" {
		t.Errorf("short password: %d %s", w.Code, w.Body)
	}

	w = env.admin(t, "POST", "/api/v1/admin/password", map[string]string{"newPassword": "a much longer one"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if ok, _ := env.system.CheckAdminPassword("a much longer one"); !ok {
		t.Error("new password not stored")
	}
	if env.server.admins.valid(stale, time.Now()) {
		t.Error("existing admin sessions survived a password change")
	}
}

func TestServerMode(t *testing.T) {
	env := newTestEnv(t)

	w := env.admin(t, "POST", "/api/v1/admin/server-mode", map[string]string{"mode": "PAUSED"})
	if w.Code != http.StatusBadRequest || errorOf(t, w) != "Invalid mode" {
		t.Errorf("invalid mode: %d %s", w.Code, w.Body)
	}

	w = env.admin(t, "POST", "/api/v1/admin/server-mode", map[string]string{"mode": "OFFLINE"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if m, _ := env.system.ServerMode(); m != opstate.ServerOffline {
		t.Errorf("mode = %q", m)
	}
}

func TestSchedule(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		body    any
		want    int
		wantErr string
	}{
		{"scheduled", nil, ScheduleRequest{WorldID: 3, DurationMinutes: 10}, http.StatusOK, ""},
		{"not ready", mission.ErrNotReady, ScheduleRequest{WorldID: 3}, http.StatusServiceUnavailable, "System Pre-flight Checks Failed. Cannot start mission."},
		{"conflict", mission.ErrConflict, ScheduleRequest{WorldID: 3}, http.StatusConflict, "Mission already in progress. Abort current mission first."},
		{"no world", mission.ErrInvalid, ScheduleRequest{}, http.StatusBadRequest, "World ID required"},
		{"bad start", nil, ScheduleRequest{WorldID: 3, StartTime: "tomorrow"}, http.StatusBadRequest, "Invalid startTime; want RFC 3339"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.mission.err = tt.err

			w := env.admin(t, "POST", "/api/v1/admin/game/schedule", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body)
			}
			if tt.wantErr != "" {
				if got := errorOf(t, w); got != tt.wantErr {
					t.Errorf("error = %q, want %q", got, tt.wantErr)
				}
				return
			}
			got := decode[map[string]any](t, w)
			if got["success"] != true || got["message"] != "Mission Scheduled" {
				t.Errorf("response = %v", got)
			}
		})
	}
}

func TestSchedule_StartTime(t *testing.T) {
	env := newTestEnv(t)
	w := env.admin(t, "POST", "/api/v1/admin/game/schedule", ScheduleRequest{
		WorldID:         42,
		StartTime:       "2026-03-01T20:00:00Z",
		DurationMinutes: 45,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	want := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	if env.mission.worldID != 42 || env.mission.duration != 45 || env.mission.start == nil || !env.mission.start.Equal(want) {
		t.Errorf("scheduled world=%d duration=%d start=%v", env.mission.worldID, env.mission.duration, env.mission.start)
	}
}

func TestStop(t *testing.T) {
	env := newTestEnv(t)

	env.mission.abortErr = mission.ErrNothingToAbort
	w := env.admin(t, "POST", "/api/v1/admin/game/stop", nil)
	if w.Code != http.StatusBadRequest || errorOf(t, w) != "No active mission to abort." {
		t.Errorf("idle stop: %d %s", w.Code, w.Body)
	}

	env.mission.abortErr = nil
	w = env.admin(t, "POST", "/api/v1/admin/game/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[map[string]any](t, w); got["message"] != "Mission Aborted" {
		t.Errorf("response = %v", got)
	}
}

func TestGameStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := int64(5)
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	env.mission.session = mission.Session{
		Status:           mission.StatusRunning,
		WorldID:          42,
		ScheduledStart:   start,
		ScheduledEnd:     start.Add(30 * time.Minute),
		RemainingSeconds: 1200,
		SessionRecordID:  &rec,
	}

	w := env.admin(t, "GET", "/api/v1/admin/game/status", nil)
	got := decode[GameStatus](t, w)
	if got.Status != mission.StatusRunning || got.Timer != 1200 || got.WorldID != 42 {
		t.Errorf("status = %+v", got)
	}
	if got.SessionID == nil || *got.SessionID != 5 || got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Errorf("session/start = %v/%v", got.SessionID, got.StartTime)
	}
	if !got.Checks.SQL || !got.Checks.LLM {
		t.Errorf("checks = %+v", got.Checks)
	}

	env.mission.session = mission.Session{Status: mission.StatusIdle}
	raw := decode[map[string]any](t, env.admin(t, "GET", "/api/v1/admin/game/status", nil))
	if _, ok := raw["startTime"]; ok {
		t.Errorf("idle status carries startTime: %v", raw)
	}
}

func TestAdminStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.admin(t, "GET", "/api/v1/admin/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got struct {
		DBStatus   string                       `json:"dbStatus"`
		AIStatus   map[provider.Role]RoleStatus `json:"aiStatus"`
		ServerMode string                       `json:"serverMode"`
		IP         string                       `json:"ip"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.DBStatus != "ONLINE" || got.ServerMode != "ONLINE" {
		t.Errorf("status = %+v", got)
	}
	if wh := got.AIStatus[provider.RoleWorkhorse]; wh.Status != "ONLINE" || wh.Model != provider.DefaultOllamaModel {
		t.Errorf("workhorse = %+v", wh)
	}
	if d := got.AIStatus[provider.RoleDirector]; d.Status != "FAULT" || d.Error == "" {
		t.Errorf("director = %+v", d)
	}
	if !strings.HasSuffix(got.IP, ":8080") {
		t.Errorf("ip = %q, want listen port", got.IP)
	}
}

func TestConfig(t *testing.T) {
	env := newTestEnv(t)

	got := decode[map[string]string](t, env.admin(t, "GET", "/api/v1/admin/config", nil))
	if got[config.KeyGeminiAPIKey] != "****1234" {
		t.Errorf("gemini key = %q, want masked", got[config.KeyGeminiAPIKey])
	}
	if got[opstate.KeyServerMode] != "ONLINE" {
		t.Errorf("server mode = %q", got[opstate.KeyServerMode])
	}

	w := env.admin(t, "POST", "/api/v1/admin/config", map[string]string{"NOT_A_KEY": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown key status = %d", w.Code)
	}

	w = env.admin(t, "POST", "/api/v1/admin/config", map[string]string{
		config.KeyWorkhorseModel: "mistral",
		config.KeyGeminiAPIKey:   "****1234",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	targets := env.providers.Targets()
	if targets.Workhorse.Model != "mistral" {
		t.Errorf("workhorse model = %q, want reload to apply override", targets.Workhorse.Model)
	}
	if targets.Director.Credential != "base-key-1234" {
		t.Errorf("director credential = %q, masked echo overwrote it", targets.Director.Credential)
	}
	stored, _ := env.system.List(opstate.CategoryAIModels)
	if _, ok := stored[config.KeyGeminiAPIKey]; ok || stored[config.KeyWorkhorseModel] != "mistral" {
		t.Errorf("stored overrides = %v", stored)
	}
}

func TestAIModels(t *testing.T) {
	env := newTestEnv(t)

	env.providers.models = []string{"llama3", "mistral"}
	w := env.admin(t, "POST", "/api/v1/admin/ai/models", map[string]string{"provider": "ollama", "url": "http://ollama:11434"})
	if got := decode[[]string](t, w); len(got) != 2 {
		t.Errorf("models = %v", got)
	}

	env.providers.models = nil
	env.providers.modelsErr = provider.ErrUnknownProvider
	w = env.admin(t, "POST", "/api/v1/admin/ai/models", map[string]string{"provider": "bard"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown provider status = %d", w.Code)
	}

	env.providers.modelsErr = &provider.Failure{Provider: provider.KindGemini, Cause: errors.New("HTTP 403")}
	w = env.admin(t, "POST", "/api/v1/admin/ai/models", map[string]string{"provider": "gemini", "key": "k"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("failure status = %d", w.Code)
	}
}

func TestAIVerify(t *testing.T) {
	env := newTestEnv(t)

	w := env.admin(t, "POST", "/api/v1/admin/ai/verify", map[string]string{"role": "narrator"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad role status = %d", w.Code)
	}

	w = env.admin(t, "POST", "/api/v1/admin/ai/verify", map[string]string{"role": "workhorse"})
	if got := decode[map[string]any](t, w); got["success"] != true || got["message"] != "ONLINE" {
		t.Errorf("verify ok = %v", got)
	}

	env.providers.verify = provider.VerifyResult{Error: "ollama: connection refused"}
	w = env.admin(t, "POST", "/api/v1/admin/ai/verify", map[string]string{"role": "director"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("failed verify status = %d", w.Code)
	}
	if got := decode[map[string]any](t, w); got["success"] != false || got["error"] != "ollama: connection refused" {
		t.Errorf("verify failure = %v", got)
	}
}

func TestStoriesAndGenerate(t *testing.T) {
	env := newTestEnv(t)

	w := env.admin(t, "POST", "/api/v1/admin/generate", GenerateRequest{Prompt: " "})
	if w.Code != http.StatusBadRequest || errorOf(t, w) != "Prompt is required" {
		t.Errorf("empty prompt: %d %s", w.Code, w.Body)
	}

	env.generator.err = errors.New("director returned malformed world")
	w = env.admin(t, "POST", "/api/v1/admin/generate", GenerateRequest{Prompt: "a haunted lighthouse"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("generator failure status = %d", w.Code)
	}

	env.generator.err = nil
	env.generator.world = scenario.Builtin()
	w = env.admin(t, "POST", "/api/v1/admin/generate", GenerateRequest{Prompt: "a haunted lighthouse", PlayerCount: 4})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	gen := decode[map[string]any](t, w)
	if gen["storyName"] != "The Last Light at Gull Point" || gen["worldId"] == float64(0) {
		t.Errorf("generate = %v", gen)
	}

	stories := decode[[]Story](t, env.admin(t, "GET", "/api/v1/admin/stories", nil))
	if len(stories) != 1 || stories[0].Name != "The Last Light at Gull Point" || stories[0].WorldID == 0 {
		t.Errorf("stories = %+v", stories)
	}
}

func TestAdminLogs(t *testing.T) {
	env := newTestEnv(t)
	env.ring.Add(events.Event{Timestamp: time.Now(), Source: events.SourcePreflight, Kind: events.KindModeChanged, Level: events.LevelWarn, Message: "DEGRADED"})

	got := decode[[]LogLine](t, env.admin(t, "GET", "/api/v1/admin/logs", nil))
	if len(got) != 1 || got[0].Level != "WARN" || got[0].Source != "preflight" {
		t.Errorf("logs = %+v", got)
	}
}

func TestAdminStatsAndPlayers(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.store.ImportWorld(context.Background(), scenario.Builtin()); err != nil {
		t.Fatal(err)
	}
	env.login(t, "ada")

	st := decode[storage.Stats](t, env.admin(t, "GET", "/api/v1/admin/stats", nil))
	if st.OnlinePlayers != 1 || st.AIAgents != 1 {
		t.Errorf("stats = %+v", st)
	}

	rows := decode[[]storage.PlayerRow](t, env.admin(t, "GET", "/api/v1/admin/players", nil))
	if len(rows) != 1 || rows[0].Username != "ada" || rows[0].CharacterName == nil {
		t.Errorf("players = %+v", rows)
	}
}

func TestRoutingAudit(t *testing.T) {
	env := newTestEnv(t)
	w := env.admin(t, "GET", "/api/v1/admin/routing?limit=x", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
	w = env.admin(t, "GET", "/api/v1/admin/routing", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestJoinQR(t *testing.T) {
	env := newTestEnv(t)
	w := env.admin(t, "GET", "/api/v1/admin/join.png", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}
