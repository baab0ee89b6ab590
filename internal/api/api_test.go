package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/TheGojiOG/LocalSM/internal/auth"
	"github.com/TheGojiOG/LocalSM/internal/backup"
	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/console"
	"github.com/TheGojiOG/LocalSM/internal/database"
	"github.com/TheGojiOG/LocalSM/internal/logging"
	"github.com/TheGojiOG/LocalSM/internal/metrics"
	"github.com/TheGojiOG/LocalSM/internal/models"
	"github.com/TheGojiOG/LocalSM/internal/server"
	"github.com/TheGojiOG/LocalSM/internal/websocket"
)

type stubProcess struct {
	pid  int
	mu   sync.Mutex
	in   []string
	done chan struct{}
	once sync.Once
}

func (p *stubProcess) Pid() int         { return p.pid }
func (p *stubProcess) Stdin() io.Writer { return p }
func (p *stubProcess) Wait() error      { <-p.done; return nil }
func (p *stubProcess) Kill() error      { p.once.Do(func() { close(p.done) }); return nil }

func (p *stubProcess) Write(b []byte) (int, error) {
	line := strings.TrimSuffix(string(b), "\n")
	p.mu.Lock()
	p.in = append(p.in, line)
	p.mu.Unlock()
	if line == "stop" {
		p.Kill()
	}
	return len(b), nil
}

func (p *stubProcess) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.in...)
}

type stubLauncher struct {
	mu    sync.Mutex
	procs []*stubProcess
}

func (l *stubLauncher) Launch(spec server.LaunchSpec) (server.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &stubProcess{pid: 4000 + len(l.procs), done: make(chan struct{})}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *stubLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *stubLauncher) last() *stubProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

type apiEnv struct {
	router   *gin.Engine
	manager  *server.Manager
	launcher *stubLauncher
	token    string
	cancel   context.CancelFunc
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	root := t.TempDir()

	hash, err := auth.HashPassword("hunter22", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Storage.ServersDir = filepath.Join(root, "servers")
	cfg.Storage.DataDir = filepath.Join(root, "data")
	cfg.Storage.BackupDir = filepath.Join(root, "backups")
	cfg.Backup.StagingDir = filepath.Join(root, "staging")
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.OperatorUsername = "admin"
	cfg.Auth.OperatorPasswordHash = hash
	cfg.Security.RateLimit.Enabled = false
	cfg.Tunnel.StatusURL = "http://127.0.0.1:1/api/tunnels"
	cfg.Tunnel.PollAttempts = 1
	cfg.Tunnel.PollInterval = "10ms"

	db, err := database.NewDB(filepath.Join(root, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	activity, err := logging.NewActivityLogger(db.DB, filepath.Join(root, "activity"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { activity.Close() })

	pipeline := console.NewPipeline(cfg.Console.MaxLines)
	launcher := &stubLauncher{}
	settings := server.SettingsFromConfig(cfg)
	settings.StopTimeout = 500 * time.Millisecond
	manager, err := server.NewManager(settings, pipeline,
		server.WithLauncher(launcher),
		server.WithCommandRunner(&server.MockCommandRunner{}))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := websocket.NewHub()
	go hub.Run(ctx)
	hub.AttachPipeline(pipeline)

	deps := Dependencies{
		Config:    cfg,
		Manager:   manager,
		Pipeline:  pipeline,
		Hub:       hub,
		Activity:  activity,
		Backups:   backup.NewManager(db.DB, manager, cfg),
		Collector: metrics.NewCollector(cfg.Metrics, db.DB, manager),
	}
	router, shutdown := SetupRouter(ctx, deps)
	gin.SetMode(gin.TestMode)

	env := &apiEnv{router: router, manager: manager, launcher: launcher, cancel: cancel}
	t.Cleanup(func() {
		manager.StopAll(context.Background())
		shutdown()
		cancel()
	})

	w := env.do(t, http.MethodPost, "/api/v1/auth/login", models.LoginRequest{Username: "admin", Password: "hunter22"})
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	var login models.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatal(err)
	}
	env.token = login.AccessToken
	return env
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newAPIEnv(t)
	env.token = ""

	w := env.do(t, http.MethodPost, "/api/v1/auth/login", models.LoginRequest{Username: "admin", Password: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/servers", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected protected route to require auth, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health should be public, got %d", w.Code)
	}
}

func TestLoginSetsCookieAndMe(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/auth/me", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"username":"admin"`) {
		t.Fatalf("unexpected /me response %d %s", w.Code, w.Body.String())
	}

	env.token = ""
	w = env.do(t, http.MethodPost, "/api/v1/auth/login", models.LoginRequest{Username: "admin", Password: "hunter22"})
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "lsm_access" || !cookies[0].HttpOnly {
		t.Fatalf("expected lsm_access cookie, got %+v", cookies)
	}
}

func TestServerLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/servers", models.CreateServerRequest{Name: "Survival"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var info server.InstanceInfo
	decode(t, w, &info)
	if info.Name != "Survival" || info.Status != server.StatusStopped {
		t.Fatalf("unexpected info %+v", info)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/servers/Survival/start", nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("start without artifact should be 422, got %d %s", w.Code, w.Body.String())
	}

	if err := os.WriteFile(filepath.Join(info.FolderPath, "server.jar"), []byte("jar"), 0644); err != nil {
		t.Fatal(err)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/servers/Survival/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodPost, "/api/v1/servers/"+info.ID+"/start", nil)
	if w.Code != http.StatusOK || env.launcher.count() != 1 {
		t.Fatalf("second start should be a no-op, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/servers/Survival/download", models.DownloadRequest{URL: "https://example.com/server.jar"}); w.Code != http.StatusConflict {
		t.Fatalf("download while running should conflict, got %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/servers/Survival/command", models.CommandRequest{Command: "say hi"}); w.Code != http.StatusOK {
		t.Fatalf("command: %d %s", w.Code, w.Body.String())
	}
	if got := env.launcher.last().received(); len(got) != 1 || got[0] != "say hi" {
		t.Fatalf("unexpected stdin %v", got)
	}

	w = env.do(t, http.MethodGet, "/api/v1/servers/Survival/transcript?filter=search&pattern=say", nil)
	var transcript models.TranscriptResponse
	decode(t, w, &transcript)
	if transcript.Total != 1 || transcript.Lines[0] != "> say hi" {
		t.Fatalf("unexpected transcript %+v", transcript)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/servers/Survival/stop", nil); w.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/v1/servers/Survival/command", models.CommandRequest{Command: "list"}); w.Code != http.StatusConflict {
		t.Fatalf("command to stopped server should conflict, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/servers/Survival/activity", nil)
	var activity struct {
		Activities []logging.Activity `json:"activities"`
	}
	decode(t, w, &activity)
	if len(activity.Activities) < 4 {
		t.Fatalf("expected activity entries, got %+v", activity.Activities)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/servers/Survival", nil); w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodGet, "/api/v1/servers/Survival", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestCreateServerValidation(t *testing.T) {
	env := newAPIEnv(t)

	if w := env.do(t, http.MethodPost, "/api/v1/servers", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/servers", models.CreateServerRequest{Name: "X", URL: "ftp://nope"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-http URL, got %d", w.Code)
	}
	if len(env.manager.List()) != 0 {
		t.Fatalf("rejected request should not create a server")
	}
	if w := env.do(t, http.MethodPost, "/api/v1/servers", models.CreateServerRequest{Name: "X", TunnelCommand: `ngrok "open`}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad tunnel command, got %d", w.Code)
	}
}

func TestPropertiesAndDiscovery(t *testing.T) {
	env := newAPIEnv(t)

	if err := os.MkdirAll(filepath.Join(env.manager.BaseDir(), "Dropped"), 0755); err != nil {
		t.Fatal(err)
	}
	w := env.do(t, http.MethodPost, "/api/v1/servers/discover", nil)
	var discovered struct {
		Discovered []server.InstanceInfo `json:"discovered"`
	}
	decode(t, w, &discovered)
	if len(discovered.Discovered) != 1 || discovered.Discovered[0].Name != "Dropped" {
		t.Fatalf("unexpected discovery %+v", discovered)
	}

	w = env.do(t, http.MethodPut, "/api/v1/servers/Dropped/properties", models.PropertiesRequest{Properties: map[string]string{"motd": "hi"}})
	if w.Code != http.StatusOK {
		t.Fatalf("update properties: %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/api/v1/servers/Dropped/properties", nil)
	var props models.PropertiesResponse
	decode(t, w, &props)
	if props.Properties["motd"] != "hi" {
		t.Fatalf("unexpected properties %+v", props)
	}
}

func TestBackupEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	if w := env.do(t, http.MethodPost, "/api/v1/servers", models.CreateServerRequest{Name: "Vault"}); w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/v1/servers/Vault/backups", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create backup: %d %s", w.Code, w.Body.String())
	}
	var record models.Backup
	decode(t, w, &record)

	w = env.do(t, http.MethodGet, "/api/v1/servers/Vault/backups", nil)
	if !strings.Contains(w.Body.String(), record.ID) {
		t.Fatalf("backup not listed: %s", w.Body.String())
	}

	if w := env.do(t, http.MethodPost, "/api/v1/backups/"+record.ID+"/restore", nil); w.Code != http.StatusOK {
		t.Fatalf("restore: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/v1/servers/Vault/backups", models.CreateBackupRequest{Destination: "nowhere"}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown destination should be 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/v1/backups/"+record.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/v1/backups/"+record.ID+"/restore", nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted backup should be 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/backups/schedules", nil); w.Code != http.StatusOK {
		t.Fatalf("schedules: %d", w.Code)
	}
}

func TestSystemMetrics(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/system/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"servers":0`) {
		t.Fatalf("unexpected system metrics %d %s", w.Code, w.Body.String())
	}
}

func TestConsoleWebSocketStreamsBacklogAndCommands(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/servers", models.CreateServerRequest{Name: "Live"})
	var info server.InstanceInfo
	decode(t, w, &info)
	os.WriteFile(filepath.Join(info.FolderPath, "server.jar"), []byte("jar"), 0644)
	if w := env.do(t, http.MethodPost, "/api/v1/servers/Live/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/servers/Live/console?token=" + env.token
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	readUntil := func(match func(websocket.Message) bool) websocket.Message {
		t.Helper()
		for {
			var msg websocket.Message
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("read: %v", err)
			}
			if match(msg) {
				return msg
			}
		}
	}

	readUntil(func(m websocket.Message) bool {
		payload, _ := m.Payload.(map[string]interface{})
		return m.Type == websocket.TypeConsoleOutput && payload["historical"] == true
	})
	readUntil(func(m websocket.Message) bool { return m.Type == websocket.TypeSessionInfo })

	if err := conn.WriteJSON(websocket.Message{Type: "command", Payload: map[string]string{"command": "list"}}); err != nil {
		t.Fatal(err)
	}
	result := readUntil(func(m websocket.Message) bool { return m.Type == websocket.TypeCommandResult })
	if payload, _ := result.Payload.(map[string]interface{}); payload["success"] != true {
		t.Fatalf("command failed: %+v", result)
	}
	readUntil(func(m websocket.Message) bool {
		payload, _ := m.Payload.(map[string]interface{})
		return m.Type == websocket.TypeConsoleOutput && payload["line"] == "> list"
	})
}
