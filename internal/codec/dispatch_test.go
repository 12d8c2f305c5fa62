package codec

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/kitex/pkg/remote"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/protocol"
)

func TestServeCall_DispatchesAndReplies(t *testing.T) {
	var got []byte
	reg := keybridge.NewRegistry()
	reg.Register(protocol.CmdSerialWrite, keybridge.HandlerFunc(func(p []byte) (keybridge.Status, bool) {
		got = append([]byte(nil), p...)
		return keybridge.Status(len(p)), true
	}))
	d := keybridge.NewDispatcher(reg)

	c := NewMessageCodec()
	ctx := context.Background()
	in, out := &fakeBuffer{}, &fakeBuffer{}

	req := newMessage("Serial", "Write", 11, remote.Call, []byte("ok\x00"))
	req.tags[TagFlags] = protocol.FlagCompressed
	if err := c.Encode(ctx, req, in); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var payload any
	status, err := c.ServeCall(ctx, d, newMessage("", "", 0, remote.Call, &payload), in, out)
	if err != nil {
		t.Fatalf("ServeCall: %v", err)
	}
	if status != 3 || string(got) != "ok\x00" {
		t.Fatalf("status=%d payload=%q", status, got)
	}

	var replied int32
	recv := newMessage("", "", 0, remote.Reply, &replied)
	if err := c.Decode(ctx, recv, out); err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if replied != 3 || recv.tags[TagRequestID] != uint64(11) {
		t.Fatalf("reply status=%d tags=%v", replied, recv.tags)
	}
	if recv.tags[TagFlags].(uint8)&protocol.FlagCompressed == 0 {
		t.Fatalf("reply should mirror the call's compression")
	}
}

func TestServeCall_OneWayWritesNoReply(t *testing.T) {
	hits := 0
	reg := keybridge.NewRegistry()
	reg.Register(protocol.CmdKeyboardSend, keybridge.Void(func([]byte) { hits++ }))
	d := keybridge.NewDispatcher(reg)

	c := NewMessageCodec()
	ctx := context.Background()
	in, out := &fakeBuffer{}, &fakeBuffer{}
	if err := c.Encode(ctx, newMessage("Keyboard", "Send", 2, remote.Oneway, nil), in); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var payload []byte
	status, err := c.ServeCall(ctx, d, newMessage("", "", 0, remote.Call, &payload), in, out)
	if err != nil {
		t.Fatalf("ServeCall: %v", err)
	}
	if keybridge.Status(status) != keybridge.StatusSuccess || hits != 1 {
		t.Fatalf("status=%d hits=%d", status, hits)
	}
	if out.ReadableLen() != 0 {
		t.Fatalf("one-way call wrote %d reply bytes", out.ReadableLen())
	}
}

func TestDispatch_Errors(t *testing.T) {
	d := keybridge.NewDispatcher(keybridge.NewRegistry())

	if _, err := Dispatch(d, newMessage("", "", 0, remote.Call, nil)); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("expected ErrNoCommand, got %v", err)
	}

	msg := newMessage("", "", 0, remote.Call, 42)
	msg.tags[TagCommand] = "echo"
	if _, err := Dispatch(d, msg); err == nil {
		t.Fatalf("expected error for unsupported payload type")
	}

	msg = newMessage("", "", 0, remote.Call, nil)
	msg.tags[TagCommand] = "echo\x00other"
	if st, err := Dispatch(d, msg); err != nil || keybridge.Status(st) != keybridge.StatusMalformed {
		t.Fatalf("embedded NUL: status=%d err=%v", st, err)
	}
}
