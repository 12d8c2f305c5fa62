package hostsim

import "slices"

// Press adds a scan code to the pressed set.
func (e *Engine) Press(key, typ uint8) {
	e.mu.Lock()
	e.pressed[ScanCode{Key: key, Type: typ}] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) Release(key, typ uint8) {
	e.mu.Lock()
	delete(e.pressed, ScanCode{Key: key, Type: typ})
	e.mu.Unlock()
}

// SetTrigger queues an explicit trigger; it is reported through
// capabilityCallback on the next tick.
func (e *Engine) SetTrigger(key, typ, state uint8) {
	e.mu.Lock()
	e.triggers = append(e.triggers, TriggerEvent{Code: ScanCode{Key: key, Type: typ}, State: state})
	e.mu.Unlock()
}

// ApplyLayer sets layer to mode. LayerOff removes it from the stack.
func (e *Engine) ApplyLayer(layer uint16, mode LayerMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := slices.Index(e.layers, layer)
	if mode == LayerOff {
		if i < 0 {
			return
		}
		e.layers = slices.Delete(e.layers, i, i+1)
		delete(e.layerModes, layer)
		e.layersChanged = true
		return
	}
	if i < 0 {
		e.layers = append(e.layers, layer)
	}
	if i < 0 || e.layerModes[layer] != mode {
		e.layerModes[layer] = mode
		e.layersChanged = true
	}
}

func (e *Engine) LockLayer(layer uint16) {
	e.ApplyLayer(layer, LayerLock)
}

func (e *Engine) ClearLayers() {
	e.mu.Lock()
	if len(e.layers) > 0 {
		e.layers = nil
		e.layerModes = make(map[uint16]LayerMode)
		e.layersChanged = true
	}
	e.mu.Unlock()
}

// SetKeyboardProtocol schedules a protocol switch, applied on the next tick.
func (e *Engine) SetKeyboardProtocol(nkro bool) {
	p := ProtocolBoot
	if nkro {
		p = ProtocolNKRO
	}
	e.mu.Lock()
	e.protocolNext = &p
	e.mu.Unlock()
}

// MoveMouse replaces the mouse report and marks it changed.
func (e *Engine) MoveMouse(buttons uint16, x, y int16, wheel int8) {
	e.mu.Lock()
	e.mouse = MouseReport{Buttons: buttons, RelX: x, RelY: y, Wheel: wheel, Changed: true}
	e.mu.Unlock()
}

func (e *Engine) SetMacroDebug(mode uint8) {
	e.mu.Lock()
	e.debug.Macro = mode
	e.mu.Unlock()
}

func (e *Engine) SetOutputDebug(mode uint8) {
	e.mu.Lock()
	e.debug.Output = mode
	e.mu.Unlock()
}

func (e *Engine) SetVoteDebug(on bool) {
	e.mu.Lock()
	e.debug.Vote = on
	e.mu.Unlock()
}

func (e *Engine) SetLayerDebug(on bool) {
	e.mu.Lock()
	e.debug.Layer = on
	e.mu.Unlock()
}

func (e *Engine) SetTriggerDebug(on bool) {
	e.mu.Lock()
	e.debug.Trigger = on
	e.mu.Unlock()
}

func (e *Engine) SetCapDebug(on bool) {
	e.mu.Lock()
	e.debug.Cap = on
	e.mu.Unlock()
}
