package keybridge

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcher_SerialWritePreservesTerminator(t *testing.T) {
	var acc accumulator
	reg := NewRegistry()
	reg.Register("serial_write", acc.handler())
	d := NewDispatcher(reg)

	got := d.Call(CString("serial_write"), []byte("hi\x00"))

	if Status(got) != StatusSuccess {
		t.Fatalf("status=%d, want success", got)
	}
	if !bytes.Equal(acc.bytes(), []byte("hi\x00")) {
		t.Fatalf("accumulator=%q, want %q", acc.bytes(), "hi\x00")
	}
}

func TestDispatcher_UnregisteredCommandHasNoSideEffects(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.Register("serial_write", Void(func([]byte) { calls.Add(1) }))

	core, logs := observer.New(zap.ErrorLevel)
	d := NewDispatcher(reg, WithDispatchLogger(zap.New(core)))

	got := d.Call(CString("does_not_exist"), []byte("payload\x00"))

	if Status(got) != StatusUnhandled {
		t.Fatalf("status=%d, want unhandled", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("registered handler ran %d times", calls.Load())
	}
	if logs.FilterMessage("unhandled callback").Len() != 1 {
		t.Fatalf("expected one unhandled log entry, got %v", logs.All())
	}
}

func TestDispatcher_ReturnsHandlerStatus(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("len", func(p []byte) (Status, bool) { return Status(len(p)), true })
	d := NewDispatcher(reg)

	for _, p := range [][]byte{nil, {0}, []byte("abcd\x00")} {
		if got := d.Call(CString("len"), p); got != int32(len(p)) {
			t.Fatalf("len(%q): got %d", p, got)
		}
	}
}

func TestDispatcher_MalformedNames(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.Register("echo", Void(func([]byte) { calls.Add(1) }))
	d := NewDispatcher(reg)

	for _, name := range [][]byte{nil, {}, {0}, {0xff, 0xfe, 0}, []byte("\x00echo")} {
		if got := d.Call(name, nil); Status(got) != StatusMalformed {
			t.Fatalf("name %q: status=%d, want malformed", name, got)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("handler ran for malformed names")
	}
}

func TestDispatcher_CallNameRejectsEmbeddedNUL(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.Register("echo", Void(func([]byte) { calls.Add(1) }))
	d := NewDispatcher(reg)

	for _, name := range []string{"", "echo\x00does_not_exist", "echo\x00", "\x00echo", "\xff"} {
		if got := d.CallName(name, nil); Status(got) != StatusMalformed {
			t.Fatalf("name %q: status=%d, want malformed", name, got)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("echo ran %d times for malformed names", calls.Load())
	}
	if got := d.CallName("echo", CString("x")); Status(got) != StatusSuccess || calls.Load() != 1 {
		t.Fatalf("echo: status=%d calls=%d", got, calls.Load())
	}
}

func TestValidName(t *testing.T) {
	cases := map[string]bool{
		"echo":       true,
		"layerState": true,
		"":           false,
		"a\x00b":     false,
		"\xc3\x28":   false,
	}
	for in, want := range cases {
		if got := ValidName(in); got != want {
			t.Fatalf("ValidName(%q)=%v, want %v", in, got, want)
		}
	}
}

func TestDispatcher_MetricSeriesBounded(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", Fixed(StatusSuccess))
	promReg := prometheus.NewRegistry()
	d := NewDispatcher(reg, WithMetrics(promReg))

	for i := 0; i < 500; i++ {
		d.Dispatch(fmt.Sprintf("random_%d", i), nil)
		d.CallName(fmt.Sprintf("bad\x00%d", i), nil)
	}
	d.Dispatch("echo", nil)

	// echo/handled, _unregistered/unhandled, _unregistered/malformed
	if got := testutil.CollectAndCount(d.metrics.total); got != 3 {
		t.Fatalf("dispatch_total series=%d, want 3", got)
	}
	if got := testutil.ToFloat64(d.metrics.total.WithLabelValues(unregisteredLabel, "unhandled")); got != 500 {
		t.Fatalf("unregistered counter=%v, want 500", got)
	}
}

func TestDecodeName(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
		ok   bool
	}{
		{[]byte("echo\x00"), "echo", true},
		{[]byte("echo"), "echo", true},
		{[]byte("layerState\x00garbage"), "layerState", true},
		{[]byte{0xc3, 0x28, 0}, "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		got, ok := DecodeName(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("DecodeName(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestDispatcher_PanicIsContainedAndLockReleased(t *testing.T) {
	reg := NewRegistry()
	reg.Register("boom", Void(func([]byte) { panic("handler bug") }))
	reg.Register("echo", Fixed(StatusSuccess))
	d := NewDispatcher(reg)

	if got := d.Call(CString("boom"), nil); Status(got) != StatusFault {
		t.Fatalf("status=%d, want fault", got)
	}
	// The registry must still be usable after the panic.
	if got := d.Call(CString("echo"), nil); Status(got) != StatusSuccess {
		t.Fatalf("echo after panic: status=%d", got)
	}
	reg.Register("late", Fixed(3))
	if got := d.Dispatch("late", nil); got != 3 {
		t.Fatalf("late: status=%d", got)
	}
}

func TestDispatcher_ObserverAndMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", Fixed(StatusSuccess))
	promReg := prometheus.NewRegistry()

	var events []DispatchEvent
	d := NewDispatcher(reg,
		WithMetrics(promReg),
		WithObserver(func(ev DispatchEvent) { events = append(events, ev) }),
	)

	d.Call(CString("echo"), []byte("abc"))
	d.Call(CString("nope"), nil)

	if len(events) != 2 {
		t.Fatalf("observer saw %d events, want 2", len(events))
	}
	if events[0].Command != "echo" || !events[0].Handled || events[0].PayloadLen != 3 {
		t.Fatalf("event[0]=%+v", events[0])
	}
	if events[1].Handled || events[1].Status != StatusUnhandled {
		t.Fatalf("event[1]=%+v", events[1])
	}

	d2 := NewDispatcher(reg, WithMetrics(promReg))
	d2.Dispatch("echo", nil)

	if got := testutil.ToFloat64(d.metrics.total.WithLabelValues("echo", "handled")); got != 2 {
		t.Fatalf("handled counter=%v, want 2 (shared across dispatchers)", got)
	}
	if got := testutil.ToFloat64(d.metrics.total.WithLabelValues(unregisteredLabel, "unhandled")); got != 1 {
		t.Fatalf("unhandled counter=%v, want 1", got)
	}
}

func TestStatusString(t *testing.T) {
	if StatusUnhandled.String() != "unhandled" || StatusSuccess.String() != "success" {
		t.Fatalf("unexpected sentinel names")
	}
	if Status(9).String() != "status(9)" {
		t.Fatalf("Status(9)=%q", Status(9).String())
	}
}
