package main

import (
	"context"
	"net"
	"testing"
	"time"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/protocol"
)

func startBridge(t *testing.T) string {
	t.Helper()
	reg := keybridge.NewRegistry()
	reg.Register(protocol.CmdEcho, keybridge.Fixed(keybridge.StatusSuccess))
	reg.Register(protocol.CmdKeyboardSend, keybridge.HandlerFunc(func(p []byte) (keybridge.Status, bool) {
		return keybridge.Status(len(p)), true
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = keybridge.ServeWithContext(ctx, ln, keybridge.NewDispatcher(reg))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func roundTrip(t *testing.T, addr string, cfg clientConfig) *protocol.Reply {
	t.Helper()
	call, flags, err := buildCall(cfg)
	if err != nil {
		t.Fatalf("buildCall: %v", err)
	}
	conn, err := dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := sendCall(conn, flags, call); err != nil {
		t.Fatalf("sendCall: %v", err)
	}
	reply, err := readReply(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("readReply: %v", err)
	}
	return reply
}

func TestClient_Echo(t *testing.T) {
	addr := startBridge(t)
	reply := roundTrip(t, addr, clientConfig{command: protocol.CmdEcho, flagsHex: "0x00", reqID: 9, nul: true})
	if reply.RequestID != 9 || keybridge.Status(reply.Status) != keybridge.StatusSuccess {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestClient_MethodMappingAndCompression(t *testing.T) {
	addr := startBridge(t)
	reply := roundTrip(t, addr, clientConfig{method: "Keyboard.Send", flagsHex: "0x01", payload: "abc", nul: true, reqID: 2})
	if reply.Status != 4 {
		t.Fatalf("expected payload length 4 including terminator, got %d", reply.Status)
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-cmd", "serial_write", "-payload", "hi", "-nul=false", "-flags", "0x04"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	call, flags, err := buildCall(cfg)
	if err != nil {
		t.Fatalf("buildCall: %v", err)
	}
	if call.Name != "serial_write" || string(call.Payload) != "hi" || flags != protocol.FlagOneWay {
		t.Fatalf("unexpected call %+v flags=%#x", call, flags)
	}
}

func TestBuildCall_Errors(t *testing.T) {
	if _, _, err := buildCall(clientConfig{command: "x", flagsHex: "zz"}); err == nil {
		t.Fatalf("expected invalid flags error")
	}
	if _, _, err := buildCall(clientConfig{flagsHex: "0"}); err == nil {
		t.Fatalf("expected missing command error")
	}
}
