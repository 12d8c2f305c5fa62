package protocol

// Host command names observed on the firmware callback surface.
const (
	CmdSerialAvailable    = "serial_available"
	CmdSerialRead         = "serial_read"
	CmdSerialWrite        = "serial_write"
	CmdKeyboardSend       = "keyboard_send"
	CmdMouseSend          = "mouse_send"
	CmdCapabilityCallback = "capabilityCallback"
	CmdLayerState         = "layerState"

	// CmdEcho is the health check used by the host self-test.
	CmdEcho = "echo"
)

// Commands lists every command the bridge registers before the host starts.
func Commands() []string {
	return []string{
		CmdSerialAvailable,
		CmdSerialRead,
		CmdSerialWrite,
		CmdKeyboardSend,
		CmdMouseSend,
		CmdCapabilityCallback,
		CmdLayerState,
		CmdEcho,
	}
}

var hostMethods = map[string]string{
	"Serial.Available":    CmdSerialAvailable,
	"Serial.Read":         CmdSerialRead,
	"Serial.Write":        CmdSerialWrite,
	"Keyboard.Send":       CmdKeyboardSend,
	"Mouse.Send":          CmdMouseSend,
	"Capability.Callback": CmdCapabilityCallback,
	"Layer.State":         CmdLayerState,
	"Health.Echo":         CmdEcho,
}

// RegisterHostMethods binds the RPC method names of the host surface.
// Calling it more than once is harmless.
func RegisterHostMethods() {
	for method, cmd := range hostMethods {
		RegisterFullMethodCommand(method, cmd)
	}
}
