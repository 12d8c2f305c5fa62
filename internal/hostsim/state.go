package hostsim

import (
	"maps"
	"slices"
	"sort"
)

// KeyboardReport returns a copy of the primary keyboard report.
func (e *Engine) KeyboardReport() KeyboardReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.keyboard
	r.Keys = slices.Clone(r.Keys)
	return r
}

func (e *Engine) MouseReport() MouseReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mouse
}

// AckKeyboard marks the keyboard report as consumed.
func (e *Engine) AckKeyboard() {
	e.mu.Lock()
	e.keyboard.Changed = false
	e.mu.Unlock()
}

func (e *Engine) AckMouse() {
	e.mu.Lock()
	e.mouse.Changed = false
	e.mu.Unlock()
}

func (e *Engine) LayerState() LayerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.layerStateLocked()
}

func (e *Engine) layerStateLocked() LayerState {
	return LayerState{Stack: slices.Clone(e.layers), Modes: maps.Clone(e.layerModes)}
}

func (e *Engine) CapabilityResult() CapabilityResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capability
}

// PushSerialInput appends one byte to the host's serial input buffer.
func (e *Engine) PushSerialInput(b byte) {
	e.mu.Lock()
	e.serialIn = append(e.serialIn, b)
	e.mu.Unlock()
}

// TakeSerialInput drains the host's serial input buffer.
func (e *Engine) TakeSerialInput() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.serialIn
	e.serialIn = nil
	return out
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	pressed := make([]ScanCode, 0, len(e.pressed))
	for code := range e.pressed {
		pressed = append(pressed, code)
	}
	sort.Slice(pressed, func(i, j int) bool {
		if pressed[i].Key != pressed[j].Key {
			return pressed[i].Key < pressed[j].Key
		}
		return pressed[i].Type < pressed[j].Type
	})
	kb := e.keyboard
	kb.Keys = slices.Clone(kb.Keys)
	return Snapshot{
		Ticks:       e.ticks,
		Initialized: e.initialized,
		Pressed:     pressed,
		Keyboard:    kb,
		Mouse:       e.mouse,
		Layers:      e.layerStateLocked(),
		Debug:       e.debug,
		SerialInput: slices.Clone(e.serialIn),
	}
}
