package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/internal/hostsim"
	"github.com/gogogo1024/keybridge/internal/serial"
)

type testEnv struct {
	svc   *Service
	srv   *httptest.Server
	port  *serial.InMemoryPort
	audit *InMemoryAuditStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := keybridge.NewRegistry()
	reg.Register("echo", keybridge.Fixed(keybridge.StatusSuccess))
	reg.Register("len", keybridge.HandlerFunc(func(p []byte) (keybridge.Status, bool) {
		return keybridge.Status(len(p)), true
	}))

	promReg := prometheus.NewRegistry()
	env := &testEnv{
		port:  serial.NewInMemoryPort(),
		audit: NewInMemoryAuditStore(0),
	}
	var svc *Service
	d := keybridge.NewDispatcher(reg,
		keybridge.WithMetrics(promReg),
		keybridge.WithObserver(func(ev keybridge.DispatchEvent) { svc.Observe(ev) }),
	)
	svc, err := NewService(Config{
		Dispatcher: d,
		Audit:      env.audit,
		Serial:     env.port,
		Host:       hostsim.New(),
		Gatherer:   promReg,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.svc = svc
	t.Cleanup(svc.Close)
	env.srv = httptest.NewServer(svc.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func decode(t *testing.T, resp *http.Response, data any) Response {
	t.Helper()
	defer resp.Body.Close()
	var out struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data != nil && len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return Response{Code: out.Code, Message: out.Message}
}

func TestListCommands(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/commands")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var data struct {
		Commands []string `json:"commands"`
		Total    int      `json:"total"`
	}
	decode(t, resp, &data)
	if data.Total != 2 || data.Commands[0] != "echo" || data.Commands[1] != "len" {
		t.Fatalf("unexpected commands %+v", data)
	}
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.srv.URL+"/api/dispatch", "application/json",
		strings.NewReader(`{"command":"len","payload":"abc"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var data DispatchResp
	r := decode(t, resp, &data)
	if r.Code != 200 {
		t.Fatalf("unexpected code %d: %s", r.Code, r.Message)
	}
	// Payload carries its terminator.
	if data.Status != 4 {
		t.Fatalf("expected status 4, got %d", data.Status)
	}

	logs, total, _ := env.audit.List(context.Background(), 10)
	if total != 1 || logs[0].Action != "command_dispatched" || logs[0].ID == "" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
}

func TestDispatch_UnknownIsAudited(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.srv.URL+"/api/dispatch", "application/json",
		strings.NewReader(`{"command":"nope"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var data DispatchResp
	decode(t, resp, &data)
	if data.Outcome != "unhandled" || data.Status != 0 {
		t.Fatalf("unexpected result %+v", data)
	}

	env.svc.Close() // flush observed entries
	logs, _, _ := env.audit.List(context.Background(), 10)
	var sawUnhandled bool
	for _, l := range logs {
		if l.Action == "command_unhandled" && l.Target == "nope" {
			sawUnhandled = true
		}
	}
	if !sawUnhandled {
		t.Fatalf("expected command_unhandled audit entry, got %+v", logs)
	}
}

func TestDispatch_NameWithNULIsMalformed(t *testing.T) {
	env := newTestEnv(t)
	var hits atomic.Int32
	env.svc.d.Registry().Register("echo", keybridge.Void(func([]byte) { hits.Add(1) }))

	resp, err := http.Post(env.srv.URL+"/api/dispatch", "application/json",
		strings.NewReader(`{"command":"echo\u0000does_not_exist"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var data DispatchResp
	decode(t, resp, &data)
	if data.Outcome != "malformed" || data.Status != int32(keybridge.StatusMalformed) {
		t.Fatalf("unexpected result %+v", data)
	}
	if hits.Load() != 0 {
		t.Fatalf("echo ran %d times", hits.Load())
	}
}

type blockingStore struct {
	release chan struct{}
	mu      sync.Mutex
	added   []AuditLog
}

func (b *blockingStore) Add(_ context.Context, entry AuditLog) error {
	<-b.release
	b.mu.Lock()
	b.added = append(b.added, entry)
	b.mu.Unlock()
	return nil
}

func (b *blockingStore) List(context.Context, int) ([]AuditLog, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AuditLog(nil), b.added...), int64(len(b.added)), nil
}

func TestObserve_DoesNotWaitOnStore(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	svc, err := NewService(Config{
		Dispatcher: keybridge.NewDispatcher(keybridge.NewRegistry()),
		Audit:      store,
		AuditQueue: 2,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			svc.Observe(keybridge.DispatchEvent{Command: "nope", Status: keybridge.StatusUnhandled})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Observe blocked on a stalled audit store")
	}

	close(store.release)
	svc.Close()
	_, total, _ := store.List(context.Background(), 0)
	// one entry in the drain goroutine plus a full queue; the rest drop
	if total < 1 || total > 3 {
		t.Fatalf("stored %d entries, want between 1 and 3", total)
	}

	svc.Observe(keybridge.DispatchEvent{Command: "late", Status: keybridge.StatusFault, Handled: true})
	if _, after, _ := store.List(context.Background(), 0); after != total {
		t.Fatalf("entry written after Close")
	}
}

func TestDispatch_Validation(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.srv.URL+"/api/dispatch", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if r := decode(t, resp, nil); r.Code != 400 {
		t.Fatalf("expected 400, got %d", r.Code)
	}

	resp, err = http.Get(env.srv.URL + "/api/dispatch")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestSerialEndpoints(t *testing.T) {
	env := newTestEnv(t)
	_ = env.port.Write(context.Background(), []byte("boot ok"))

	resp, err := http.Get(env.srv.URL + "/api/serial")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var out struct {
		Output string `json:"output"`
	}
	decode(t, resp, &out)
	if out.Output != "boot ok" {
		t.Fatalf("unexpected output %q", out.Output)
	}

	resp, err = http.Post(env.srv.URL+"/api/serial", "application/json", strings.NewReader(`{"data":"help\n"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	decode(t, resp, nil)
	if n, _ := env.port.Available(context.Background()); n != 5 {
		t.Fatalf("expected 5 queued bytes, got %d", n)
	}
}

func TestHostState(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/host")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var snap hostsim.Snapshot
	if r := decode(t, resp, &snap); r.Code != 200 {
		t.Fatalf("unexpected code %d", r.Code)
	}
	if snap.Initialized {
		t.Fatalf("fresh host should not be initialized")
	}
}

func TestGetAuditLogs_Limit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.svc.addAuditLog(context.Background(), "test", "t", "m")
	}
	resp, err := http.Get(env.srv.URL + "/api/audit-logs?limit=2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var data struct {
		Total int64      `json:"total"`
		Limit int        `json:"limit"`
		Logs  []AuditLog `json:"logs"`
	}
	decode(t, resp, &data)
	if data.Total != 5 || data.Limit != 2 || len(data.Logs) != 2 {
		t.Fatalf("unexpected audit page %+v", data)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.svc.d.Dispatch("echo", nil)

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), "keybridge_dispatch_total") {
		t.Fatalf("metrics output missing dispatch counter:\n%s", body)
	}
}

func TestInMemoryAuditStore_NewestFirstAndCap(t *testing.T) {
	s := NewInMemoryAuditStore(3)
	ctx := context.Background()
	for _, a := range []string{"a", "b", "c", "d"} {
		_ = s.Add(ctx, newAuditLog(a, "", ""))
	}
	logs, total, _ := s.List(ctx, 0)
	if total != 3 || logs[0].Action != "d" || logs[2].Action != "b" {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

// Requires Redis running on localhost:6379.
func TestRedisAuditStore(t *testing.T) {
	c := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := c.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	s := NewRedisAuditStore(c, "keybridge:test:", 2)
	defer c.Del(ctx, "keybridge:test:"+auditLogsKey)
	c.Del(ctx, "keybridge:test:"+auditLogsKey)

	for _, a := range []string{"a", "b", "c"} {
		if err := s.Add(ctx, newAuditLog(a, "", "")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	logs, total, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(logs) != 2 || logs[0].Action != "c" {
		t.Fatalf("unexpected logs %+v", logs)
	}
}
