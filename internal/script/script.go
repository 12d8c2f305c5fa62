// Package script registers command handlers written in Lua.
//
// A script calls keybridge.register(name, fn) at load time. fn receives the
// payload as a string and may return an integer status; returning nothing
// reports success.
//
//	keybridge.register("blink", function(payload)
//	  keybridge.log("blink " .. payload)
//	  return keybridge.SUCCESS
//	end)
//
// The Lua state is not goroutine-safe, so every call takes the runtime lock.
package script

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	keybridge "github.com/gogogo1024/keybridge"
)

const (
	DefaultCallTimeout = 100 * time.Millisecond
	moduleName         = "keybridge"
)

// Runtime owns one Lua state and the handlers registered from it.
type Runtime struct {
	L *lua.LState

	mu      sync.Mutex
	reg     *keybridge.Registry
	log     *zap.Logger
	timeout time.Duration
	names   []string
	loading bool
	closed  bool
}

type Option func(*Runtime)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithCallTimeout bounds a single handler invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func newRuntime(reg *keybridge.Registry, opts []Option) *Runtime {
	r := &Runtime{
		reg:     reg,
		log:     zap.NewNop(),
		timeout: DefaultCallTimeout,
		loading: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(r.L)
	r.installModule()
	return r
}

// LoadFile runs the script at path, registering its handlers on reg.
func LoadFile(path string, reg *keybridge.Registry, opts ...Option) (*Runtime, error) {
	r := newRuntime(reg, opts)
	if err := r.do(func() error { return r.L.DoFile(path) }); err != nil {
		r.L.Close()
		return nil, fmt.Errorf("script: load %s: %w", path, err)
	}
	r.loading = false
	r.log.Info("script loaded", zap.String("path", path), zap.Strings("commands", r.names))
	return r, nil
}

// LoadString is LoadFile for inline source.
func LoadString(name, code string, reg *keybridge.Registry, opts ...Option) (*Runtime, error) {
	r := newRuntime(reg, opts)
	if err := r.do(func() error { return r.L.DoString(code) }); err != nil {
		r.L.Close()
		return nil, fmt.Errorf("script: load %s: %w", name, err)
	}
	r.loading = false
	r.log.Info("script loaded", zap.String("name", name), zap.Strings("commands", r.names))
	return r, nil
}

func (r *Runtime) do(fn func() error) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("lua panic: %v", rec)
		}
	}()
	return fn()
}

// Commands returns the command names this runtime registered.
func (r *Runtime) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.L.Close()
}

func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func (r *Runtime) installModule() {
	L := r.L
	mod := L.NewTable()
	L.SetField(mod, "register", L.NewFunction(r.luaRegister))
	L.SetField(mod, "log", L.NewFunction(r.luaLog))
	L.SetField(mod, "UNHANDLED", lua.LNumber(keybridge.StatusUnhandled))
	L.SetField(mod, "SUCCESS", lua.LNumber(keybridge.StatusSuccess))
	L.SetField(mod, "MALFORMED", lua.LNumber(keybridge.StatusMalformed))
	L.SetField(mod, "FAULT", lua.LNumber(keybridge.StatusFault))
	L.SetGlobal(moduleName, mod)
}

// keybridge.register(name, fn)
// Only valid while the script loads; the runtime lock is already held then.
func (r *Runtime) luaRegister(L *lua.LState) int {
	if !r.loading {
		L.RaiseError("keybridge.register is only allowed while the script loads")
		return 0
	}
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	if name == "" {
		L.ArgError(1, "command name is required")
		return 0
	}
	r.reg.Register(name, &luaHandler{rt: r, name: name, fn: fn})
	r.names = append(r.names, name)
	return 0
}

// keybridge.log(msg)
func (r *Runtime) luaLog(L *lua.LState) int {
	r.log.Info(L.CheckString(1), zap.String("source", "lua"))
	return 0
}

type luaHandler struct {
	rt   *Runtime
	name string
	fn   *lua.LFunction
}

func (h *luaHandler) Handle(payload []byte) (keybridge.Status, bool) {
	r := h.rt
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Warn("script handler called after close", zap.String("command", h.name))
		return keybridge.StatusFault, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.L.SetContext(ctx)
	defer r.L.RemoveContext()

	top := r.L.GetTop()
	defer r.L.SetTop(top)
	err := r.L.CallByParam(lua.P{Fn: h.fn, NRet: 1, Protect: true}, lua.LString(payload))
	if err != nil {
		r.log.Error("script handler failed", zap.String("command", h.name), zap.Error(err))
		return keybridge.StatusFault, true
	}
	ret := r.L.Get(-1)
	switch v := ret.(type) {
	case lua.LNumber:
		st, ok := statusFromNumber(float64(v))
		if !ok {
			r.log.Error("script handler returned an invalid status",
				zap.String("command", h.name), zap.Float64("value", float64(v)))
			return keybridge.StatusFault, true
		}
		return st, true
	case lua.LBool:
		if bool(v) {
			return keybridge.StatusSuccess, true
		}
		return keybridge.StatusUnhandled, true
	default:
		return 0, false
	}
}

// statusFromNumber accepts only integral values in the int32 range.
func statusFromNumber(f float64) (keybridge.Status, bool) {
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return keybridge.Status(int32(f)), true
}
