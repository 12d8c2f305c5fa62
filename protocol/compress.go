package protocol

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
)

var ErrUnsupportedFrameFlags = errors.New("unsupported frame flags")

// ValidateFlags rejects flags the link does not implement.
func ValidateFlags(flags uint8) error {
	if flags&FlagEncrypted != 0 {
		return ErrUnsupportedFrameFlags
	}
	return nil
}

// DecodeFrameBody returns the message bytes of f, inflating them when
// FlagCompressed is set.
func DecodeFrameBody(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil frame")
	}
	if err := ValidateFlags(f.Flags); err != nil {
		return nil, err
	}
	if f.Flags&FlagCompressed == 0 {
		return f.Body, nil
	}
	return inflate(f.Body, MaxFrameBody)
}

// EncodeFrameBody returns the frame body for msg, deflating it when
// FlagCompressed is set.
func EncodeFrameBody(flags uint8, msg []byte) (uint8, []byte, error) {
	if err := ValidateFlags(flags); err != nil {
		return 0, nil, err
	}
	if flags&FlagCompressed == 0 {
		return flags, msg, nil
	}
	out, err := deflate(msg)
	if err != nil {
		return 0, nil, err
	}
	return flags, out, nil
}

// EncodeCallFrame builds a complete wire frame for c.
func EncodeCallFrame(flags uint8, c *Call) ([]byte, error) {
	msg, err := EncodeCall(c)
	if err != nil {
		return nil, err
	}
	flags, body, err := EncodeFrameBody(flags, msg)
	if err != nil {
		return nil, err
	}
	return Encode(&Frame{Flags: flags, Body: body})
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte, limit int) ([]byte, error) {
	if limit <= 0 {
		return nil, errors.New("invalid inflate limit")
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errors.New("inflated body too large")
	}
	return out, nil
}
