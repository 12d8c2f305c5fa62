// Package hostsim is an in-process keyboard firmware host.
//
// It keeps the scan, layer, report and serial state a real firmware host
// keeps and talks to the bridge only through the installed entry point,
// so the whole command surface can be exercised without hardware.
package hostsim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/protocol"
)

var ErrNoCallback = errors.New("hostsim: callback not registered")

const (
	modifierFirst = 0xE0
	modifierLast  = 0xE7
)

// Engine implements keybridge.Engine.
//
// The engine lock is never held while a command is dispatched, so handlers
// may call back into the engine.
type Engine struct {
	log         *zap.Logger
	healthCheck string

	mu          sync.Mutex
	cb          keybridge.EntryPoint
	initialized bool
	ticks       uint64

	pressed      map[ScanCode]struct{}
	keyboard     KeyboardReport
	protocolNext *Protocol
	mouse        MouseReport

	layers        []uint16
	layerModes    map[uint16]LayerMode
	layersChanged bool

	triggers   []TriggerEvent
	capability CapabilityResult

	debug    DebugFlags
	serialIn []byte
}

var _ keybridge.Engine = (*Engine)(nil)

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithHealthCheck sets the command the self-test dispatches. Default: echo.
func WithHealthCheck(cmd string) Option {
	return func(e *Engine) {
		if cmd != "" {
			e.healthCheck = cmd
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		log:         zap.NewNop(),
		healthCheck: protocol.CmdEcho,
		pressed:     make(map[ScanCode]struct{}),
		layerModes:  make(map[uint16]LayerMode),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Engine) RegisterCallback(cb keybridge.EntryPoint) {
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
}

func (e *Engine) callback() keybridge.EntryPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb
}

func (e *Engine) call(cmd string, args []byte) (keybridge.Status, bool) {
	cb := e.callback()
	if cb == nil {
		return keybridge.StatusUnhandled, false
	}
	if args == nil {
		args = []byte{0}
	}
	return keybridge.Status(cb(keybridge.CString(cmd), args)), true
}

// SelfTest dispatches the health-check command through the installed callback.
func (e *Engine) SelfTest() error {
	if e.callback() == nil {
		return ErrNoCallback
	}
	status, _ := e.call(e.healthCheck, keybridge.CString("callback test"))
	switch status {
	case keybridge.StatusUnhandled, keybridge.StatusMalformed, keybridge.StatusFault:
		return fmt.Errorf("hostsim: %s returned %s", e.healthCheck, status)
	}
	e.log.Debug("callback test passed", zap.String("command", e.healthCheck), zap.Stringer("status", status))
	return nil
}

func (e *Engine) Init() error {
	if e.callback() == nil {
		return ErrNoCallback
	}
	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()
	e.log.Info("host initialized")
	return nil
}

// Tick runs one host process loop. It is a no-op until the engine is initialized.
func (e *Engine) Tick() {
	e.mu.Lock()
	if !e.initialized || e.cb == nil {
		e.mu.Unlock()
		return
	}
	e.ticks++
	tick := e.ticks
	e.rebuildKeyboardLocked()
	triggers := e.triggers
	e.triggers = nil
	layersChanged := e.layersChanged
	e.layersChanged = false
	top := e.topLayerLocked()
	e.mu.Unlock()

	e.pollSerial()

	for _, ev := range triggers {
		e.mu.Lock()
		e.capability = CapabilityResult{Trigger: ev, Layer: top, Tick: tick}
		e.mu.Unlock()
		e.call(protocol.CmdCapabilityCallback, nil)
	}
	if layersChanged {
		e.call(protocol.CmdLayerState, nil)
	}
	if e.KeyboardReport().Changed {
		e.call(protocol.CmdKeyboardSend, nil)
	}
	if e.MouseReport().Changed {
		e.call(protocol.CmdMouseSend, nil)
	}
}

// pollSerial asks how many bytes are waiting and reads each one.
func (e *Engine) pollSerial() {
	n, ok := e.call(protocol.CmdSerialAvailable, nil)
	if !ok || n <= 0 {
		return
	}
	for i := keybridge.Status(0); i < n; i++ {
		e.call(protocol.CmdSerialRead, nil)
	}
}

func (e *Engine) rebuildKeyboardLocked() {
	if e.protocolNext != nil {
		e.keyboard.Protocol = *e.protocolNext
		e.protocolNext = nil
		e.keyboard.Changed = true
	}
	next := KeyboardReport{Protocol: e.keyboard.Protocol}
	keys := make([]uint8, 0, len(e.pressed))
	for code := range e.pressed {
		if code.Key >= modifierFirst && code.Key <= modifierLast {
			next.Modifiers |= 1 << (code.Key - modifierFirst)
			continue
		}
		keys = append(keys, code.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	keys = compactKeys(keys)
	if next.Protocol == ProtocolBoot && len(keys) > bootKeys {
		keys = keys[:bootKeys]
	}
	next.Keys = keys
	if !next.sameKeys(e.keyboard) {
		next.Changed = true
		e.keyboard = next
	}
}

func compactKeys(keys []uint8) []uint8 {
	if len(keys) < 2 {
		return keys
	}
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}

func (e *Engine) topLayerLocked() uint16 {
	if len(e.layers) == 0 {
		return 0
	}
	return e.layers[len(e.layers)-1]
}
