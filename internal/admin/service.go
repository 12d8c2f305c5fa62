// Package admin serves the operator HTTP API next to a running bridge.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/internal/hostsim"
	"github.com/gogogo1024/keybridge/internal/serial"
)

var errMethodNotAllowed = errors.New("method not allowed")

// Snapshotter exposes the host state for GET /api/host.
type Snapshotter interface {
	Snapshot() hostsim.Snapshot
}

type Config struct {
	Dispatcher *keybridge.Dispatcher
	Audit      AuditStore
	Serial     serial.Port
	Host       Snapshotter
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger

	// AuditQueue bounds audit entries from Observe waiting to be written.
	// Zero means defaultAuditQueue.
	AuditQueue int
}

const defaultAuditQueue = 256

// Service implements the admin API.
type Service struct {
	d        *keybridge.Dispatcher
	audit    AuditStore
	port     serial.Port
	host     Snapshotter
	gatherer prometheus.Gatherer
	log      *zap.Logger

	auditMu   sync.RWMutex
	closed    bool
	pending   chan AuditLog
	done      chan struct{}
	closeOnce sync.Once
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("admin: dispatcher is required")
	}
	s := &Service{
		d:        cfg.Dispatcher,
		audit:    cfg.Audit,
		port:     cfg.Serial,
		host:     cfg.Host,
		gatherer: cfg.Gatherer,
		log:      cfg.Logger,
	}
	if s.audit == nil {
		s.audit = NewInMemoryAuditStore(0)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	queue := cfg.AuditQueue
	if queue <= 0 {
		queue = defaultAuditQueue
	}
	s.pending = make(chan AuditLog, queue)
	s.done = make(chan struct{})
	go s.drainAudit()
	return s, nil
}

// Close stops accepting observed audit entries and waits until the queued
// ones are written.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.auditMu.Lock()
		s.closed = true
		close(s.pending)
		s.auditMu.Unlock()
		<-s.done
	})
}

func (s *Service) drainAudit() {
	defer close(s.done)
	for entry := range s.pending {
		ctx, cancel := newContext()
		if err := s.audit.Add(ctx, entry); err != nil {
			s.log.Warn("audit log write failed", zap.String("action", entry.Action), zap.Error(err))
		}
		cancel()
	}
}

// Response wrapper
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, msg string, data any) error {
	resp := Response{Code: code, Message: msg, Data: data}
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(resp)
}

// Handler returns the routed API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/commands", s.withJSON(s.ListCommands))
	mux.HandleFunc("/api/dispatch", s.withJSON(s.Dispatch))
	mux.HandleFunc("/api/audit-logs", s.withJSON(s.GetAuditLogs))
	mux.HandleFunc("/api/serial", s.withJSON(func(w http.ResponseWriter, r *http.Request) error {
		switch r.Method {
		case http.MethodGet:
			return s.SerialOutput(w, r)
		case http.MethodPost:
			return s.SerialInput(w, r)
		default:
			return errMethodNotAllowed
		}
	}))
	mux.HandleFunc("/api/host", s.withJSON(s.HostState))
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Service) withJSON(handler func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := handler(w, r); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, errMethodNotAllowed) {
				code = http.StatusMethodNotAllowed
			}
			s.log.Warn("admin request failed", zap.String("path", r.URL.Path), zap.Error(err))
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		}
	}
}

func newContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// ============================================================
// Commands
// ============================================================

func (s *Service) ListCommands(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return errMethodNotAllowed
	}
	names := s.d.Registry().Names()
	return s.respondJSON(w, 200, "success", map[string]any{
		"commands": names,
		"total":    len(names),
	})
}

type DispatchReq struct {
	Command string `json:"command"`
	// Payload is sent as host text, with a NUL terminator appended.
	Payload string `json:"payload"`
}

type DispatchResp struct {
	Command string `json:"command"`
	Status  int32  `json:"status"`
	Outcome string `json:"outcome"`
}

func (s *Service) Dispatch(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return errMethodNotAllowed
	}
	var req DispatchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return err
	}
	if req.Command == "" {
		return s.respondJSON(w, 400, "command is required", nil)
	}

	status := keybridge.Status(s.d.CallName(req.Command, keybridge.CString(req.Payload)))

	ctx, cancel := newContext()
	defer cancel()
	s.addAuditLog(ctx, "command_dispatched", req.Command,
		fmt.Sprintf("dispatched %s (%d payload bytes): %s", req.Command, len(req.Payload), status))

	return s.respondJSON(w, 200, "dispatched", DispatchResp{
		Command: req.Command,
		Status:  int32(status),
		Outcome: status.String(),
	})
}

// Observe records failed host dispatches in the audit log.
// It is meant to be installed with keybridge.WithObserver. It never waits
// on the audit store: entries are queued and written by a background
// goroutine, and dropped when the queue is full or the service is closed.
func (s *Service) Observe(ev keybridge.DispatchEvent) {
	if ev.Handled && ev.Status != keybridge.StatusFault {
		return
	}
	action := "command_unhandled"
	if ev.Status == keybridge.StatusFault {
		action = "command_fault"
	}
	s.enqueueAudit(newAuditLog(action, ev.Command, fmt.Sprintf("%s: %s", ev.Command, ev.Status)))
}

func (s *Service) enqueueAudit(entry AuditLog) {
	s.auditMu.RLock()
	defer s.auditMu.RUnlock()
	if s.closed {
		s.log.Warn("audit entry dropped after close", zap.String("action", entry.Action))
		return
	}
	select {
	case s.pending <- entry:
	default:
		s.log.Warn("audit queue full, entry dropped", zap.String("action", entry.Action))
	}
}

// ============================================================
// Serial console
// ============================================================

type SerialInputReq struct {
	Data string `json:"data"`
}

func (s *Service) SerialOutput(w http.ResponseWriter, _ *http.Request) error {
	if s.port == nil {
		return s.respondJSON(w, 404, "serial port not configured", nil)
	}
	ctx, cancel := newContext()
	defer cancel()
	out, err := s.port.Output(ctx)
	if err != nil {
		return err
	}
	return s.respondJSON(w, 200, "success", map[string]any{"output": string(out)})
}

func (s *Service) SerialInput(w http.ResponseWriter, r *http.Request) error {
	if s.port == nil {
		return s.respondJSON(w, 404, "serial port not configured", nil)
	}
	var req SerialInputReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return err
	}
	ctx, cancel := newContext()
	defer cancel()
	if err := s.port.Inject(ctx, []byte(req.Data)); err != nil {
		return err
	}
	s.addAuditLog(ctx, "serial_input", "serial", fmt.Sprintf("queued %d bytes", len(req.Data)))
	return s.respondJSON(w, 200, "queued", nil)
}

// ============================================================
// Host
// ============================================================

func (s *Service) HostState(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return errMethodNotAllowed
	}
	if s.host == nil {
		return s.respondJSON(w, 404, "host state not available", nil)
	}
	return s.respondJSON(w, 200, "success", s.host.Snapshot())
}

// ============================================================
// Audit Logs
// ============================================================

func (s *Service) addAuditLog(ctx context.Context, action, target, message string) {
	if err := s.audit.Add(ctx, newAuditLog(action, target, message)); err != nil {
		s.log.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) GetAuditLogs(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return errMethodNotAllowed
	}
	ctx, cancel := newContext()
	defer cancel()

	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}
	logs, total, err := s.audit.List(ctx, limit)
	if err != nil {
		return err
	}
	return s.respondJSON(w, 200, "success", map[string]any{
		"total": total,
		"limit": limit,
		"logs":  logs,
	})
}
