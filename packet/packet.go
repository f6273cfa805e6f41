// Package packet implements the flat binary wire format carried over every
// interface: a small bitfield header followed by an optional transport id,
// a destination hash, a context byte, an optional IFAC tag, and a payload.
package packet

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// Size constants from the wire format.
const (
	MTU         = 500
	HeaderMin   = 19
	HeaderMax   = 35
	MDU         = MTU - HeaderMax - 1
	PathfinderM = 128

	DestinationHashSize = 16
	TransportIDSize     = 16
	HashSize            = 16
)

// HeaderType selects whether the packet carries one address (destination
// hash only) or two (a transport id in addition, used once a packet has
// been picked up and forwarded by a transport node).
type HeaderType uint8

const (
	Header1 HeaderType = 0
	Header2 HeaderType = 1
)

// DestinationType mirrors destination.Type without importing it, to keep
// packet free of a dependency on destination.
type DestinationType uint8

const (
	DestSingle DestinationType = 0
	DestGroup  DestinationType = 1
	DestPlain  DestinationType = 2
	DestLink   DestinationType = 3
)

// Type is the 2-bit packet_type enum.
type Type uint8

const (
	TypeAnnounce    Type = 0
	TypeLinkRequest Type = 1
	TypeProof       Type = 2
	TypeData        Type = 3
)

// Context carries the packet's context byte.
type Context uint8

const (
	ContextNone         Context = 0x00
	ContextPathResponse Context = 0x01
	ContextPathRequest  Context = 0x02
	ContextKeepalive    Context = 0x03
	ContextLRProof      Context = 0x04
	ContextLinkClose    Context = 0x05
	ContextRequest      Context = 0x06
	ContextResponse     Context = 0x07
)

// header bit layout, byte 0 (MSB first):
//
//	bit 7: header type (0=HEADER_1, 1=HEADER_2)
//	bit 6: transport type (plain/transport-marked)
//	bits 5-4: destination type
//	bits 3-2: packet type
//	bit 1: context flag (ratchet or similar present)
//	bit 0: IFAC present
const (
	bitHeaderType    = 7
	bitTransportType = 6
	shiftDestType    = 4
	shiftPacketType  = 2
	bitContextFlag   = 1
	bitIFACPresent   = 0
)

// Packet is a decoded wire packet.
type Packet struct {
	HeaderType      HeaderType
	TransportMarked bool
	DestinationType DestinationType
	Type            Type
	ContextFlag     bool
	Hops            uint8

	TransportID     [TransportIDSize]byte // valid only if HeaderType == Header2
	DestinationHash [DestinationHashSize]byte
	Context         Context
	IFACTag         []byte // length 0, 1, 8 or 16
	Payload         []byte
}

// Pack serializes p into its wire representation.
func (p *Packet) Pack() ([]byte, error) {
	if p.Hops > PathfinderM {
		return nil, fmt.Errorf("pack packet: hops %d exceeds PATHFINDER_M", p.Hops)
	}
	switch len(p.IFACTag) {
	case 0, 1, 8, 16:
	default:
		return nil, fmt.Errorf("pack packet: invalid IFAC tag length %d", len(p.IFACTag))
	}
	if len(p.Payload) > MDU {
		return nil, fmt.Errorf("pack packet: payload %d bytes exceeds MDU %d", len(p.Payload), MDU)
	}

	size := 2 + DestinationHashSize + 1 + len(p.IFACTag) + len(p.Payload)
	if p.HeaderType == Header2 {
		size += TransportIDSize
	}
	buf := make([]byte, size)

	var b0 byte
	if p.HeaderType == Header2 {
		b0 |= 1 << bitHeaderType
	}
	if p.TransportMarked {
		b0 |= 1 << bitTransportType
	}
	b0 |= (byte(p.DestinationType) & 0x3) << shiftDestType
	b0 |= (byte(p.Type) & 0x3) << shiftPacketType
	if p.ContextFlag {
		b0 |= 1 << bitContextFlag
	}
	if len(p.IFACTag) > 0 {
		b0 |= 1 << bitIFACPresent
	}
	buf[0] = b0
	buf[1] = p.Hops

	off := 2
	if p.HeaderType == Header2 {
		copy(buf[off:], p.TransportID[:])
		off += TransportIDSize
	}
	copy(buf[off:], p.DestinationHash[:])
	off += DestinationHashSize
	buf[off] = byte(p.Context)
	off++
	if len(p.IFACTag) > 0 {
		copy(buf[off:], p.IFACTag)
		off += len(p.IFACTag)
	}
	copy(buf[off:], p.Payload)

	return buf, nil
}

// Unpack parses raw wire bytes into a Packet. ifacSize is the fixed IFAC
// tag length configured on the receiving interface (0 if IFAC is not in
// use on that interface); it is required because the tag carries no
// explicit length field of its own.
func Unpack(data []byte, ifacSize int) (*Packet, error) {
	switch ifacSize {
	case 0, 1, 8, 16:
	default:
		return nil, fmt.Errorf("unpack packet: invalid ifacSize %d", ifacSize)
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("unpack packet: %d bytes, too short for header", len(data))
	}

	b0 := data[0]
	p := &Packet{
		TransportMarked: b0&(1<<bitTransportType) != 0,
		DestinationType: DestinationType((b0 >> shiftDestType) & 0x3),
		Type:            Type((b0 >> shiftPacketType) & 0x3),
		ContextFlag:     b0&(1<<bitContextFlag) != 0,
		Hops:            data[1],
	}
	if b0&(1<<bitHeaderType) != 0 {
		p.HeaderType = Header2
	} else {
		p.HeaderType = Header1
	}
	ifacPresent := b0&(1<<bitIFACPresent) != 0
	if ifacPresent && ifacSize == 0 {
		return nil, fmt.Errorf("unpack packet: IFAC bit set but interface has no IFAC configured")
	}
	if !ifacPresent {
		ifacSize = 0
	}

	minLen := 2 + DestinationHashSize + 1 + ifacSize
	if p.HeaderType == Header2 {
		minLen += TransportIDSize
	}
	if len(data) < minLen {
		return nil, fmt.Errorf("unpack packet: %d bytes, expected at least %d", len(data), minLen)
	}
	if len(data)-minLen > MDU {
		return nil, fmt.Errorf("unpack packet: payload %d bytes exceeds MDU", len(data)-minLen)
	}
	if p.Hops > PathfinderM {
		return nil, fmt.Errorf("unpack packet: hops %d exceeds PATHFINDER_M", p.Hops)
	}

	off := 2
	if p.HeaderType == Header2 {
		copy(p.TransportID[:], data[off:off+TransportIDSize])
		off += TransportIDSize
	}
	copy(p.DestinationHash[:], data[off:off+DestinationHashSize])
	off += DestinationHashSize
	p.Context = Context(data[off])
	off++
	if ifacSize > 0 {
		p.IFACTag = append([]byte(nil), data[off:off+ifacSize]...)
		off += ifacSize
	}
	p.Payload = append([]byte(nil), data[off:]...)

	return p, nil
}

// Hash returns the packet hash used for dedup: SHA-256 over the packed
// bytes with the Hops field zeroed, truncated to 16 bytes.
func (p *Packet) Hash() ([HashSize]byte, error) {
	var out [HashSize]byte
	cp := *p
	cp.Hops = 0
	raw, err := cp.Pack()
	if err != nil {
		return out, fmt.Errorf("packet hash: %w", err)
	}
	raw[1] = 0
	sum := sha256.Sum256(raw)
	copy(out[:], sum[:HashSize])
	return out, nil
}

// AppendIFACTag computes the IFAC tag for the packed bytes (packet body with
// the IFAC bit already set but tag absent): the last ifacSize bytes of
// HMAC-SHA256(ifacKey, body). It returns only the tag, not the body.
func AppendIFACTag(bodyWithoutTag []byte, ifacKey []byte, ifacSize int) []byte {
	mac := hmac.New(sha256.New, ifacKey)
	mac.Write(bodyWithoutTag)
	full := mac.Sum(nil)
	return full[len(full)-ifacSize:]
}

// VerifyIFACTag recomputes the tag over bodyWithoutTag and compares it to
// tag in constant time.
func VerifyIFACTag(bodyWithoutTag []byte, ifacKey []byte, tag []byte) bool {
	expected := AppendIFACTag(bodyWithoutTag, ifacKey, len(tag))
	return hmac.Equal(expected, tag)
}

// SplitIFACTag locates the IFAC tag within raw wire bytes (it sits between
// the context byte and the payload, not at the end of the frame) and
// returns the frame with the tag excised alongside the tag itself, so the
// caller can recompute HMAC-SHA256(ifac_key, bodyWithoutTag) and compare
// against tag. ifacSize must be the receiving interface's configured IFAC
// tag length (0, 1, 8 or 16); it is required because the tag carries no
// length of its own.
func SplitIFACTag(data []byte, ifacSize int) (bodyWithoutTag, tag []byte, err error) {
	switch ifacSize {
	case 0, 1, 8, 16:
	default:
		return nil, nil, fmt.Errorf("split ifac tag: invalid ifacSize %d", ifacSize)
	}
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("split ifac tag: %d bytes, too short for header", len(data))
	}
	b0 := data[0]
	ifacPresent := b0&(1<<bitIFACPresent) != 0
	if ifacPresent != (ifacSize > 0) {
		return nil, nil, fmt.Errorf("split ifac tag: IFAC bit %v disagrees with interface config", ifacPresent)
	}
	if ifacSize == 0 {
		return data, nil, nil
	}
	tagStart := 2 + DestinationHashSize + 1
	if b0&(1<<bitHeaderType) != 0 {
		tagStart += TransportIDSize
	}
	if len(data) < tagStart+ifacSize {
		return nil, nil, fmt.Errorf("split ifac tag: %d bytes, expected at least %d", len(data), tagStart+ifacSize)
	}
	tag = append([]byte(nil), data[tagStart:tagStart+ifacSize]...)
	bodyWithoutTag = make([]byte, 0, len(data)-ifacSize)
	bodyWithoutTag = append(bodyWithoutTag, data[:tagStart]...)
	bodyWithoutTag = append(bodyWithoutTag, data[tagStart+ifacSize:]...)
	return bodyWithoutTag, tag, nil
}
