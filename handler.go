package keybridge

// Handler is a unit of logic bound to a command name.
//
// Handle receives the payload exactly as the host supplied it. The slice is
// only valid for the duration of the call and must not be retained.
// The boolean result reports whether an explicit status was produced; when
// it is false the dispatcher reports StatusSuccess.
type Handler interface {
	Handle(payload []byte) (Status, bool)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(payload []byte) (Status, bool)

// Handle invokes the underlying function.
func (f HandlerFunc) Handle(payload []byte) (Status, bool) {
	return f(payload)
}

// Void adapts a side-effect-only function. It never produces a status.
func Void(fn func(payload []byte)) Handler {
	return HandlerFunc(func(payload []byte) (Status, bool) {
		fn(payload)
		return 0, false
	})
}

// Fixed returns a handler that always reports s.
func Fixed(s Status) Handler {
	return HandlerFunc(func([]byte) (Status, bool) {
		return s, true
	})
}
