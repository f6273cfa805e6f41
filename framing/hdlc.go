// Package framing implements the two byte-stream (de)framing codecs used
// by connection-oriented interface drivers: HDLC and KISS.
package framing

import "github.com/cvsouth/meshwire/packet"

const (
	hdlcFlag   = 0x7E
	hdlcEscape = 0x7D
	hdlcEscFlag  = 0x5E // escaped form of 0x7E
	hdlcEscEsc   = 0x5D // escaped form of 0x7D
)

// HDLCFrame wraps payload in flag bytes with the standard HDLC escape
// rules: 0x7E -> 0x7D 0x5E, 0x7D -> 0x7D 0x5D.
func HDLCFrame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, hdlcFlag)
	for _, b := range payload {
		switch b {
		case hdlcFlag:
			out = append(out, hdlcEscape, hdlcEscFlag)
		case hdlcEscape:
			out = append(out, hdlcEscape, hdlcEscEsc)
		default:
			out = append(out, b)
		}
	}
	out = append(out, hdlcFlag)
	return out
}

// HDLCDeframer is a streaming HDLC deframer: feed it arbitrary chunks of
// bytes as they arrive off the wire and it emits complete, unescaped
// frames as soon as a closing flag is seen.
type HDLCDeframer struct {
	buf      []byte
	escaping bool
}

// NewHDLCDeframer returns a deframer ready to accept its first chunk.
func NewHDLCDeframer() *HDLCDeframer {
	return &HDLCDeframer{}
}

// Feed processes data and returns zero or more frames completed by it.
// A frame shorter than or equal to packet.HeaderMin bytes is a torn or
// spurious frame and is silently discarded rather than returned, per the
// short-frame guard.
func (d *HDLCDeframer) Feed(data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		switch {
		case b == hdlcFlag:
			if len(d.buf) > packet.HeaderMin {
				frames = append(frames, append([]byte(nil), d.buf...))
			}
			d.buf = d.buf[:0]
			d.escaping = false
		case d.escaping:
			switch b {
			case hdlcEscFlag:
				d.buf = append(d.buf, hdlcFlag)
			case hdlcEscEsc:
				d.buf = append(d.buf, hdlcEscape)
			default:
				// Malformed escape sequence: drop the in-progress frame
				// and resync on the next flag.
				d.buf = d.buf[:0]
			}
			d.escaping = false
		case b == hdlcEscape:
			d.escaping = true
		default:
			d.buf = append(d.buf, b)
		}
	}
	return frames
}
