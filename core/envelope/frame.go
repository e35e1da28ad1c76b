package envelope

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/scmessenger/drift/internal/errs"
)

// FrameMagic identifies a Drift wire frame.
var FrameMagic = [2]byte{0xD4, 0x1F}

// FramePayloadKind tags what a frame's payload carries.
type FramePayloadKind uint8

const (
	PayloadEnvelopeBatch FramePayloadKind = iota
	PayloadSyncStep
	PayloadConnectivityProbe
	PayloadPeerExchange
)

// Frame is the wire-only container: magic, version, flags, length-prefixed
// payload, and a CRC32 trailer. Frames are never persisted.
type Frame struct {
	Version uint8
	Flags   uint8
	Payload []byte
}

// NewFrame builds a frame tagging its payload with kind in Flags.
func NewFrame(version uint8, kind FramePayloadKind, payload []byte) *Frame {
	return &Frame{Version: version, Flags: uint8(kind), Payload: payload}
}

// Kind returns the payload kind encoded in Flags.
func (f *Frame) Kind() FramePayloadKind {
	return FramePayloadKind(f.Flags)
}

// Marshal encodes the frame as magic(2) version(1) flags(1) length(4 LE)
// payload(length) crc32(4 LE, IEEE, over payload).
func (f *Frame) Marshal() []byte {
	buf := make([]byte, 0, 2+1+1+4+len(f.Payload)+4)
	buf = append(buf, FrameMagic[0], FrameMagic[1], f.Version, f.Flags)

	lengthField := make([]byte, 4)
	binary.LittleEndian.PutUint32(lengthField, uint32(len(f.Payload)))
	buf = append(buf, lengthField...)
	buf = append(buf, f.Payload...)

	sum := crc32.ChecksumIEEE(f.Payload)
	crcField := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcField, sum)
	buf = append(buf, crcField...)
	return buf
}

// UnmarshalFrame decodes a frame produced by Marshal, validating magic,
// length, and CRC. A CRC mismatch or truncated buffer returns FrameCorrupt.
func UnmarshalFrame(data []byte) (*Frame, error) {
	const headerLen = 2 + 1 + 1 + 4
	if len(data) < headerLen+4 {
		return nil, errs.New(errs.CodeFrameCorrupt, "frame shorter than header+crc", nil)
	}
	if data[0] != FrameMagic[0] || data[1] != FrameMagic[1] {
		return nil, errs.New(errs.CodeFrameCorrupt, "bad magic", nil)
	}
	version := data[2]
	flags := data[3]
	length := binary.LittleEndian.Uint32(data[4:8])

	if uint32(len(data)) != uint32(headerLen)+length+4 {
		return nil, errs.New(errs.CodeFrameCorrupt, "length field does not match buffer size", nil)
	}

	payload := data[headerLen : headerLen+length]
	wantCRC := binary.LittleEndian.Uint32(data[headerLen+length:])
	gotCRC := crc32.ChecksumIEEE(payload)
	if wantCRC != gotCRC {
		return nil, errs.New(errs.CodeFrameCorrupt, "crc32 mismatch", nil)
	}

	return &Frame{Version: version, Flags: flags, Payload: payload}, nil
}
