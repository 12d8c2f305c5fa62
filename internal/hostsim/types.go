package hostsim

import "fmt"

// ScanCode identifies one physical input: the key number and its trigger type.
type ScanCode struct {
	Key  uint8
	Type uint8
}

// Protocol is the USB keyboard report format.
type Protocol uint8

const (
	ProtocolBoot Protocol = iota
	ProtocolNKRO
)

func (p Protocol) String() string {
	if p == ProtocolNKRO {
		return "nkro"
	}
	return "boot"
}

// bootKeys is the number of key slots in a boot protocol report.
const bootKeys = 6

// KeyboardReport is the primary USB keyboard buffer.
type KeyboardReport struct {
	Protocol  Protocol
	Modifiers uint8
	Keys      []uint8
	Changed   bool
}

func (r KeyboardReport) String() string {
	return fmt.Sprintf("USBKeys{protocol:%s modifiers:%#02x keys:%v changed:%t}", r.Protocol, r.Modifiers, r.Keys, r.Changed)
}

func (r KeyboardReport) sameKeys(o KeyboardReport) bool {
	if r.Protocol != o.Protocol || r.Modifiers != o.Modifiers || len(r.Keys) != len(o.Keys) {
		return false
	}
	for i := range r.Keys {
		if r.Keys[i] != o.Keys[i] {
			return false
		}
	}
	return true
}

// MouseReport is the primary USB mouse buffer.
type MouseReport struct {
	Buttons uint16
	RelX    int16
	RelY    int16
	Wheel   int8
	Changed bool
}

func (r MouseReport) String() string {
	return fmt.Sprintf("USBMouse{buttons:%#04x x:%d y:%d wheel:%d changed:%t}", r.Buttons, r.RelX, r.RelY, r.Wheel, r.Changed)
}

// LayerMode is how a layer is held on the stack.
type LayerMode uint8

const (
	LayerOff LayerMode = iota
	LayerShift
	LayerLatch
	LayerLock
)

func (m LayerMode) String() string {
	switch m {
	case LayerShift:
		return "shift"
	case LayerLatch:
		return "latch"
	case LayerLock:
		return "lock"
	default:
		return "off"
	}
}

// LayerState is a copy of the layer stack, bottom first.
type LayerState struct {
	Stack []uint16
	Modes map[uint16]LayerMode
}

func (s LayerState) String() string {
	return fmt.Sprintf("LayerState{stack:%v modes:%v}", s.Stack, s.Modes)
}

// TriggerEvent is an explicit trigger injected into the macro engine.
type TriggerEvent struct {
	Code  ScanCode
	State uint8
}

// CapabilityResult is the data exposed to capabilityCallback.
type CapabilityResult struct {
	Trigger TriggerEvent
	Layer   uint16
	Tick    uint64
}

func (c CapabilityResult) String() string {
	return fmt.Sprintf("Capability{key:%#02x type:%d state:%d layer:%d tick:%d}",
		c.Trigger.Code.Key, c.Trigger.Code.Type, c.Trigger.State, c.Layer, c.Tick)
}

// DebugFlags mirrors the host debug switches.
type DebugFlags struct {
	Macro   uint8
	Output  uint8
	Vote    bool
	Layer   bool
	Trigger bool
	Cap     bool
}

// Snapshot is a point-in-time copy of the engine state.
type Snapshot struct {
	Ticks       uint64
	Initialized bool
	Pressed     []ScanCode
	Keyboard    KeyboardReport
	Mouse       MouseReport
	Layers      LayerState
	Debug       DebugFlags
	SerialInput []byte
}
