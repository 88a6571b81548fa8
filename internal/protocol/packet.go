// Package protocol implements the pupil wire format: after a line-based
// text handshake, clients stream length-prefixed binary packets carrying
// either media samples or stream configuration. Each packet is
// [u32 length][u8 tag][payload], with length counting every byte after the
// length field itself. All integers are big-endian.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the payload kind of a framed packet.
type Tag uint8

// Wire tag values. Audio and video carry media samples; params, dimensions
// and stream type carry stream configuration.
const (
	TagAudio      Tag = 0x10
	TagVideo      Tag = 0x20
	TagParams     Tag = 0x70
	TagDimensions Tag = 0x71
	TagStreamType Tag = 0x72
)

// lengthFieldSize is the width of the length prefix preceding every packet.
const lengthFieldSize = 4

// IsSample reports whether t carries a media sample.
func (t Tag) IsSample() bool {
	return t == TagAudio || t == TagVideo
}

// Known reports whether t is a recognized wire tag. Packets with unknown
// tags are skipped by the session, never fatal.
func (t Tag) Known() bool {
	switch t {
	case TagAudio, TagVideo, TagParams, TagDimensions, TagStreamType:
		return true
	}
	return false
}

func (t Tag) String() string {
	switch t {
	case TagAudio:
		return "audio"
	case TagVideo:
		return "video"
	case TagParams:
		return "params"
	case TagDimensions:
		return "dimensions"
	case TagStreamType:
		return "stream-type"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// Packet is one decoded frame from the binary stream. Payload aliases the
// input buffer and is only valid until the caller discards the consumed
// prefix; handlers that retain payload bytes must copy.
type Packet struct {
	Tag     Tag
	Payload []byte
}

// DecodeOne extracts the first complete packet from buf. It returns the
// packet, the number of bytes to remove from the front of buf, and true
// when a full packet was present. A false return means more input is
// required and no bytes may be consumed.
//
// A zero-length frame carries no tag; it decodes as Packet{} and consumes
// only its length field.
func DecodeOne(buf []byte) (Packet, int, bool) {
	if len(buf) < lengthFieldSize {
		return Packet{}, 0, false
	}

	length := int(binary.BigEndian.Uint32(buf))
	if length > len(buf)-lengthFieldSize {
		return Packet{}, 0, false
	}
	if length == 0 {
		return Packet{}, lengthFieldSize, true
	}

	frame := buf[lengthFieldSize : lengthFieldSize+length]
	return Packet{
		Tag:     Tag(frame[0]),
		Payload: frame[1:],
	}, lengthFieldSize + length, true
}

// AppendPacket appends the wire encoding of one packet to dst and returns
// the extended slice. It is the inverse of DecodeOne and is what client
// implementations and tests use to build streams.
func AppendPacket(dst []byte, tag Tag, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(1+len(payload)))
	dst = append(dst, byte(tag))
	return append(dst, payload...)
}
