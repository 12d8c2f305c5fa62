package keybridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine is the host runtime as seen by the bridge.
type Engine interface {
	// RegisterCallback stores the entry point for all later command calls.
	RegisterCallback(EntryPoint)
	// SelfTest issues one synthetic dispatch through the stored entry point.
	SelfTest() error
	// Init performs the host's one-time startup.
	Init() error
	// Tick advances the host by one unit of work. It may dispatch commands.
	Tick()
}

// State is the bridge lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInstalled
	StateRunning
	// StateFailed is terminal: installation or engine startup failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInstalled:
		return "installed"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNilEngine      = errors.New("keybridge: nil engine")
	ErrNoSetup        = errors.New("keybridge: setup is required")
	ErrAlreadyStarted = errors.New("keybridge: bridge already started")
	ErrSelfTest       = errors.New("keybridge: host self-test failed")
)

// SetupFunc is an injection point for registering command handlers.
// It is called once, before the dispatcher is handed to the host.
type SetupFunc func(r *Registry) error

// Bridge owns the registry and dispatcher and drives the host lifecycle.
type Bridge struct {
	engine     Engine
	reg        *Registry
	dispatcher *Dispatcher
	log        *zap.Logger

	mu    sync.Mutex
	state State
}

func NewBridge(engine Engine, reg *Registry, opts ...Option) *Bridge {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if reg == nil {
		reg = NewRegistry()
	}
	dopts := append([]DispatchOption{WithDispatchLogger(o.logger)}, o.dispatch...)
	return &Bridge{
		engine:     engine,
		reg:        reg,
		dispatcher: NewDispatcher(reg, dopts...),
		log:        o.logger,
	}
}

// Run builds a registry, runs setup and starts the bridge.
func Run(engine Engine, setup SetupFunc, opts ...Option) (*Bridge, error) {
	if setup == nil {
		return nil, ErrNoSetup
	}
	reg := NewRegistry()
	if err := setup(reg); err != nil {
		return nil, fmt.Errorf("keybridge: setup: %w", err)
	}
	b := NewBridge(engine, reg, opts...)
	if err := b.Start(); err != nil {
		return nil, err
	}
	return b, nil
}

// Start installs the dispatcher into the engine, runs the engine self-test
// and then initializes the engine. Handlers needed by the self-test must be
// registered before Start is called.
func (b *Bridge) Start() error {
	if b.engine == nil {
		return ErrNilEngine
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateUninitialized {
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, b.state)
	}

	b.engine.RegisterCallback(b.dispatcher.Call)
	b.log.Debug("host callback registered", zap.Int("commands", b.reg.Len()))

	if err := b.engine.SelfTest(); err != nil {
		b.state = StateFailed
		b.log.Error("host self-test failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrSelfTest, err)
	}
	b.state = StateInstalled

	b.log.Info("host init")
	if err := b.engine.Init(); err != nil {
		b.state = StateFailed
		return fmt.Errorf("keybridge: host init: %w", err)
	}
	b.state = StateRunning
	return nil
}

// Drive calls the engine tick exactly n times on the calling goroutine.
func (b *Bridge) Drive(n int) {
	for i := 0; i < n; i++ {
		if ce := b.log.Check(zap.DebugLevel, "host process"); ce != nil {
			ce.Write(zap.Int("loop", i))
		}
		b.engine.Tick()
	}
}

// DriveContext ticks the engine every interval until n ticks have run or
// ctx is done. A negative n ticks until ctx is done. It returns the number
// of ticks performed.
func (b *Bridge) DriveContext(ctx context.Context, n int, interval time.Duration) int {
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	done := 0
	for n < 0 || done < n {
		select {
		case <-ctx.Done():
			return done
		case <-t.C:
			b.engine.Tick()
			done++
		}
	}
	return done
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Registry() *Registry {
	return b.reg
}

func (b *Bridge) Dispatcher() *Dispatcher {
	return b.dispatcher
}
