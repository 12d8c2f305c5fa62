package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Link frame layout, big endian:
//
//	magic(2) version(1) flags(1) length(4) body(length)
const (
	FrameMagic     uint16 = 0x4B42 // "KB"
	FrameVersion   uint8  = 1
	FrameHeaderLen        = 8
	MaxFrameBody          = 256 * 1024
)

const (
	FlagCompressed uint8 = 1 << 0
	FlagEncrypted  uint8 = 1 << 1
	FlagOneWay     uint8 = 1 << 2
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrBadMagic      = errors.New("invalid frame magic")
	ErrBadVersion    = errors.New("unsupported frame version")
)

type Frame struct {
	Version uint8
	Flags   uint8
	Body    []byte
}

type header struct {
	magic   uint16
	version uint8
	flags   uint8
	length  uint32
}

func readHeader(b []byte) header {
	return header{
		magic:   binary.BigEndian.Uint16(b[0:2]),
		version: b[2],
		flags:   b[3],
		length:  binary.BigEndian.Uint32(b[4:8]),
	}
}

func (h header) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.magic)
	b[2] = h.version
	b[3] = h.flags
	binary.BigEndian.PutUint32(b[4:8], h.length)
}

func (h header) check() error {
	switch {
	case h.magic != FrameMagic:
		return fmt.Errorf("%w: 0x%04X", ErrBadMagic, h.magic)
	case h.version != FrameVersion:
		return fmt.Errorf("%w: %d", ErrBadVersion, h.version)
	case h.length > MaxFrameBody:
		return ErrFrameTooLarge
	}
	return nil
}

// Decode parses one frame from the front of buf. It returns (nil, 0, nil)
// when buf does not yet hold a complete frame. Body aliases buf.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < FrameHeaderLen {
		return nil, 0, nil
	}
	h := readHeader(buf)
	if err := h.check(); err != nil {
		return nil, 0, err
	}
	end := FrameHeaderLen + int(h.length)
	if len(buf) < end {
		return nil, 0, nil
	}
	return &Frame{Version: h.version, Flags: h.flags, Body: buf[FrameHeaderLen:end]}, end, nil
}

// Encode serializes f. A zero Version encodes as FrameVersion.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Body) > MaxFrameBody {
		return nil, ErrFrameTooLarge
	}
	h := header{magic: FrameMagic, version: f.Version, flags: f.Flags, length: uint32(len(f.Body))}
	if h.version == 0 {
		h.version = FrameVersion
	}
	out := make([]byte, FrameHeaderLen+len(f.Body))
	h.put(out)
	copy(out[FrameHeaderLen:], f.Body)
	return out, nil
}
