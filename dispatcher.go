package keybridge

import (
	"bytes"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// EntryPoint is the host calling convention: a NUL-terminated command name
// and a payload, returning the host status integer.
type EntryPoint func(cmd, args []byte) int32

// DispatchEvent describes one completed dispatch.
type DispatchEvent struct {
	Command    string
	PayloadLen int
	Status     Status
	Handled    bool
	Duration   time.Duration
}

// Observer is notified after each dispatch, outside the registry lock.
type Observer func(DispatchEvent)

// Dispatcher is the single entry point the host calls for every command.
type Dispatcher struct {
	reg       *Registry
	log       *zap.Logger
	metrics   *dispatchMetrics
	observers []Observer
}

type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	observers  []Observer
}

func WithDispatchLogger(l *zap.Logger) DispatchOption {
	return func(o *dispatchOptions) { o.logger = l }
}

// WithMetrics registers dispatch counters on reg.
func WithMetrics(reg prometheus.Registerer) DispatchOption {
	return func(o *dispatchOptions) { o.registerer = reg }
}

func WithObserver(fn Observer) DispatchOption {
	return func(o *dispatchOptions) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

func NewDispatcher(reg *Registry, opts ...DispatchOption) *Dispatcher {
	if reg == nil {
		panic("keybridge: NewDispatcher: nil registry")
	}
	o := dispatchOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	d := &Dispatcher{reg: reg, log: o.logger, observers: o.observers}
	if o.registerer != nil {
		m, err := newDispatchMetrics(o.registerer)
		if err != nil {
			d.log.Warn("dispatch metrics disabled", zap.Error(err))
		} else {
			d.metrics = m
		}
	}
	return d
}

// Call is the EntryPoint installed into the host engine.
// It never panics; every outcome is reported as a status.
func (d *Dispatcher) Call(cmd, args []byte) int32 {
	name, ok := DecodeName(cmd)
	if !ok {
		return d.malformed(cmd)
	}
	return int32(d.Dispatch(name, args))
}

// CallName is Call for names that arrive with an explicit length, such as
// link frames and admin requests. The whole name must be valid: a NUL
// byte anywhere in it makes the call malformed.
func (d *Dispatcher) CallName(name string, args []byte) int32 {
	if !ValidName(name) {
		return d.malformed([]byte(name))
	}
	return int32(d.Dispatch(name, args))
}

func (d *Dispatcher) malformed(cmd []byte) int32 {
	d.log.Error("malformed command name", zap.Binary("cmd", cmd))
	d.metrics.observe(unregisteredLabel, StatusMalformed, 0)
	return int32(StatusMalformed)
}

// Dispatch invokes name with payload. The payload is passed as-is.
func (d *Dispatcher) Dispatch(name string, payload []byte) Status {
	start := time.Now()
	status, handled := d.invoke(name, payload)
	elapsed := time.Since(start)

	label := name
	if !handled {
		d.log.Error("unhandled callback", zap.String("command", name))
		label = unregisteredLabel
	}
	d.metrics.observe(label, status, elapsed)

	if len(d.observers) > 0 {
		ev := DispatchEvent{
			Command:    name,
			PayloadLen: len(payload),
			Status:     status,
			Handled:    handled,
			Duration:   elapsed,
		}
		for _, fn := range d.observers {
			fn(ev)
		}
	}
	return status
}

func (d *Dispatcher) invoke(name string, payload []byte) (status Status, handled bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("handler panic",
				zap.String("command", name),
				zap.Any("panic", rec),
			)
			status, handled = StatusFault, true
		}
	}()
	if ce := d.log.Check(zap.DebugLevel, "exec"); ce != nil {
		ce.Write(zap.String("command", name), zap.ByteString("args", payload))
	}
	return d.reg.Invoke(name, payload)
}

// Registry returns the registry the dispatcher resolves names against.
func (d *Dispatcher) Registry() *Registry {
	return d.reg
}

// DecodeName converts a host command name into a string. The name ends at
// the first NUL byte (or the end of the slice) and must be non-empty UTF-8.
func DecodeName(cmd []byte) (string, bool) {
	if i := bytes.IndexByte(cmd, 0); i >= 0 {
		cmd = cmd[:i]
	}
	if len(cmd) == 0 || !utf8.Valid(cmd) {
		return "", false
	}
	return string(cmd), true
}

// ValidName reports whether name is a usable command name: non-empty UTF-8
// without NUL bytes.
func ValidName(name string) bool {
	return name != "" && strings.IndexByte(name, 0) < 0 && utf8.ValidString(name)
}

// CString returns s as a NUL-terminated byte slice, the host text encoding.
func CString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// TrimNUL drops one trailing NUL terminator from p, if present.
func TrimNUL(p []byte) []byte {
	if n := len(p); n > 0 && p[n-1] == 0 {
		return p[:n-1]
	}
	return p
}
