package packet

import (
	"bytes"
	"testing"
)

func samplePacket() *Packet {
	p := &Packet{
		HeaderType:      Header1,
		DestinationType: DestSingle,
		Type:            TypeData,
		ContextFlag:     false,
		Hops:            3,
		Context:         ContextNone,
		Payload:         []byte("hello mesh"),
	}
	for i := range p.DestinationHash {
		p.DestinationHash[i] = byte(i)
	}
	return p
}

func TestRoundTripHeader1(t *testing.T) {
	p := samplePacket()
	raw, err := p.Pack()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != HeaderMin+len(p.Payload) {
		// HeaderMin accounts for context byte already; 2(header)+16(dest)+1(ctx)=19
		t.Fatalf("unexpected packed length %d", len(raw))
	}
	got, err := Unpack(raw, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.HeaderType != p.HeaderType || got.DestinationType != p.DestinationType ||
		got.Type != p.Type || got.Hops != p.Hops || got.Context != p.Context {
		t.Fatal("round-trip field mismatch")
	}
	if got.DestinationHash != p.DestinationHash {
		t.Fatal("destination hash mismatch")
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatal("payload mismatch")
	}
}

func TestRoundTripHeader2(t *testing.T) {
	p := samplePacket()
	p.HeaderType = Header2
	p.TransportMarked = true
	for i := range p.TransportID {
		p.TransportID[i] = byte(0xF0 + i%10)
	}
	raw, err := p.Pack()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != HeaderMax+len(p.Payload) {
		// HeaderMax = 2+16(transport)+16(dest)+1(ctx) = 35
		t.Fatalf("unexpected packed length %d", len(raw))
	}
	got, err := Unpack(raw, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.TransportID != p.TransportID {
		t.Fatal("transport id mismatch")
	}
	if !got.TransportMarked {
		t.Fatal("transport marked flag lost")
	}
}

func TestRoundTripWithIFACTag(t *testing.T) {
	for _, size := range []int{1, 8, 16} {
		p := samplePacket()
		p.IFACTag = bytes.Repeat([]byte{0xAA}, size)
		raw, err := p.Pack()
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		got, err := Unpack(raw, size)
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if !bytes.Equal(got.IFACTag, p.IFACTag) {
			t.Fatalf("size %d: IFAC tag mismatch", size)
		}
	}
}

func TestUnpackRejectsOversizedHops(t *testing.T) {
	p := samplePacket()
	p.Hops = PathfinderM
	if _, err := p.Pack(); err != nil {
		t.Fatalf("hops at cap should pack: %v", err)
	}
	p.Hops = PathfinderM + 1
	if _, err := p.Pack(); err == nil {
		t.Fatal("expected error for hops above PATHFINDER_M")
	}
}

func TestUnpackRejectsTooShort(t *testing.T) {
	if _, err := Unpack([]byte{0x00}, 0); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestUnpackRejectsMismatchedIFACBit(t *testing.T) {
	p := samplePacket()
	p.IFACTag = bytes.Repeat([]byte{0x01}, 8)
	raw, err := p.Pack()
	if err != nil {
		t.Fatal(err)
	}
	// The IFAC bit is set in raw, but caller claims the interface has no IFAC.
	if _, err := Unpack(raw, 0); err == nil {
		t.Fatal("expected error when IFAC bit set but ifacSize is 0")
	}
}

func TestHashZeroesHops(t *testing.T) {
	p1 := samplePacket()
	p1.Hops = 1
	p2 := samplePacket()
	p2.Hops = 9
	h1, err := p1.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := p2.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("hash should be independent of hops")
	}
}

func TestIFACTagAppendAndVerify(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 64)
	body := []byte("packet body without tag")
	tag := AppendIFACTag(body, key, 8)
	if len(tag) != 8 {
		t.Fatalf("expected tag length 8, got %d", len(tag))
	}
	if !VerifyIFACTag(body, key, tag) {
		t.Fatal("tag should verify")
	}
	tag[0] ^= 0xFF
	if VerifyIFACTag(body, key, tag) {
		t.Fatal("corrupted tag should not verify")
	}
}
