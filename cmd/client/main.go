// Command client sends one call over the remote host link and prints the status.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/protocol"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
}

type clientConfig struct {
	addr     string
	command  string
	method   string
	flagsHex string
	payload  string
	nul      bool
	reqID    uint64
	timeout  time.Duration
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	call, flags, err := buildCall(cfg)
	if err != nil {
		return err
	}

	conn, err := dial(cfg.addr, cfg.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sendCall(conn, flags, call); err != nil {
		return err
	}

	// One-way calls have no reply.
	if flags&protocol.FlagOneWay != 0 {
		printSentOneWay(call)
		return nil
	}

	reply, err := readReply(conn, cfg.timeout)
	if err != nil {
		return err
	}
	printReply(call, reply)
	return nil
}

func parseFlags(args []string) (clientConfig, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:9100", "bridge link address")
	command := fs.String("cmd", protocol.CmdEcho, "host command name")
	method := fs.String("method", "", "RPC method (e.g. Keyboard.Send), mapped to a command; overrides -cmd")
	flagsHex := fs.String("flags", "0x00", "frame flags in hex, e.g. 0x04 for one-way, 0x01 for gzip")
	payload := fs.String("payload", "", "payload string")
	nul := fs.Bool("nul", true, "append a NUL terminator to the payload")
	reqID := fs.Uint64("id", 1, "request id")
	timeout := fs.Duration("timeout", 3*time.Second, "dial and read timeout")
	if err := fs.Parse(args); err != nil {
		return clientConfig{}, err
	}
	return clientConfig{
		addr:     *addr,
		command:  *command,
		method:   *method,
		flagsHex: *flagsHex,
		payload:  *payload,
		nul:      *nul,
		reqID:    *reqID,
		timeout:  *timeout,
	}, nil
}

func buildCall(cfg clientConfig) (*protocol.Call, uint8, error) {
	flags, err := strconv.ParseUint(cfg.flagsHex, 0, 8)
	if err != nil {
		return nil, 0, err
	}
	name := cfg.command
	if cfg.method != "" {
		protocol.RegisterHostMethods()
		name, err = protocol.MapMethodToCommand(cfg.method)
		if err != nil {
			return nil, 0, err
		}
	}
	if name == "" {
		return nil, 0, errors.New("command name is required")
	}
	payload := []byte(cfg.payload)
	if cfg.nul {
		payload = keybridge.CString(cfg.payload)
	}
	return &protocol.Call{RequestID: cfg.reqID, Name: name, Payload: payload}, uint8(flags), nil
}

func dial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

func sendCall(conn net.Conn, flags uint8, call *protocol.Call) error {
	frameBytes, err := protocol.EncodeCallFrame(flags, call)
	if err != nil {
		return err
	}
	_, err = conn.Write(frameBytes)
	return err
}

func readReply(conn net.Conn, timeout time.Duration) (*protocol.Reply, error) {
	buf := make([]byte, 0, 64)
	tmp := make([]byte, 512)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			frame, _, derr := protocol.Decode(buf)
			if derr != nil {
				return nil, derr
			}
			if frame != nil {
				body, err := protocol.DecodeFrameBody(frame)
				if err != nil {
					return nil, err
				}
				return protocol.DecodeReply(body)
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func printSentOneWay(call *protocol.Call) {
	fmt.Printf("sent one-way: cmd=%s request_id=%d payload=%q\n", call.Name, call.RequestID, string(call.Payload))
}

func printReply(call *protocol.Call, reply *protocol.Reply) {
	fmt.Printf("reply: cmd=%s request_id=%d status=%d (%s)\n",
		call.Name, reply.RequestID, reply.Status, keybridge.Status(reply.Status))
}
