// Package handlers binds the host command surface to its Go implementations.
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/internal/hostsim"
	"github.com/gogogo1024/keybridge/internal/serial"
	"github.com/gogogo1024/keybridge/protocol"
)

// Host is the engine state the output handlers read and acknowledge.
type Host interface {
	KeyboardReport() hostsim.KeyboardReport
	MouseReport() hostsim.MouseReport
	LayerState() hostsim.LayerState
	CapabilityResult() hostsim.CapabilityResult
	AckKeyboard()
	AckMouse()
	PushSerialInput(b byte)
}

type Deps struct {
	Host   Host
	Serial serial.Port
	Logger *zap.Logger
	// Timeout bounds each serial backend call. Default 500ms.
	Timeout time.Duration
}

// RegisterHandlers registers every host command on reg.
func RegisterHandlers(reg *keybridge.Registry, deps Deps) {
	h := newSet(deps)

	reg.Register(protocol.CmdSerialAvailable, keybridge.HandlerFunc(h.serialAvailable))
	reg.Register(protocol.CmdSerialRead, keybridge.Void(h.serialRead))
	reg.Register(protocol.CmdSerialWrite, keybridge.Void(h.serialWrite))
	reg.Register(protocol.CmdKeyboardSend, keybridge.Void(h.keyboardSend))
	reg.Register(protocol.CmdMouseSend, keybridge.Void(h.mouseSend))
	reg.Register(protocol.CmdCapabilityCallback, keybridge.Void(h.capabilityCallback))
	reg.Register(protocol.CmdLayerState, keybridge.Void(h.layerState))
	reg.Register(protocol.CmdEcho, keybridge.Fixed(keybridge.StatusSuccess))
}

type set struct {
	host    Host
	port    serial.Port
	log     *zap.Logger
	timeout time.Duration
}

func newSet(deps Deps) *set {
	s := &set{host: deps.Host, port: deps.Serial, log: deps.Logger, timeout: deps.Timeout}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.port == nil {
		s.port = serial.NewInMemoryPort()
	}
	if s.timeout <= 0 {
		s.timeout = 500 * time.Millisecond
	}
	return s
}

func (s *set) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}
