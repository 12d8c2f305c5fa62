package handlers

import (
	keybridge "github.com/gogogo1024/keybridge"
	"go.uber.org/zap"
)

// serialAvailable reports the number of serial input bytes waiting for the host.
func (s *set) serialAvailable([]byte) (keybridge.Status, bool) {
	ctx, cancel := s.ctx()
	defer cancel()
	n, err := s.port.Available(ctx)
	if err != nil {
		s.log.Warn("serial available failed", zap.Error(err))
		return 0, true
	}
	return keybridge.Status(n), true
}

// serialRead moves one input byte into the host.
func (s *set) serialRead([]byte) {
	if s.host == nil {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()
	b, err := s.port.Read(ctx, 1)
	if err != nil {
		s.log.Warn("serial read failed", zap.Error(err))
		return
	}
	if len(b) == 1 {
		s.host.PushSerialInput(b[0])
	}
}

func (s *set) serialWrite(payload []byte) {
	text := keybridge.TrimNUL(payload)
	if len(text) == 0 {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.port.Write(ctx, text); err != nil {
		s.log.Warn("serial write failed", zap.Error(err))
	}
}

func (s *set) keyboardSend([]byte) {
	if s.host == nil {
		return
	}
	s.log.Info("keyboard report", zap.Stringer("report", s.host.KeyboardReport()))
	s.host.AckKeyboard()
}

func (s *set) mouseSend([]byte) {
	if s.host == nil {
		return
	}
	s.log.Info("mouse report", zap.Stringer("report", s.host.MouseReport()))
	s.host.AckMouse()
}

func (s *set) capabilityCallback([]byte) {
	if s.host == nil {
		return
	}
	s.log.Info("capability callback", zap.Stringer("result", s.host.CapabilityResult()))
}

func (s *set) layerState([]byte) {
	if s.host == nil {
		return
	}
	s.log.Info("layer state", zap.Stringer("state", s.host.LayerState()))
}
