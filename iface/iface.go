// Package iface defines the capability contract every concrete interface
// driver (TCP, UDP, local IPC, LoRa/RNode, BLE, auto-discovery — all out
// of scope here) must implement, plus IFAC key derivation and running
// per-interface statistics.
package iface

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Mode controls announce propagation and path expiry, per spec §4.3/§4.5.
type Mode uint8

const (
	ModeFull Mode = iota
	ModePointToPoint
	ModeAccessPoint
	ModeRoaming
	ModeBoundary
	ModeGateway
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModePointToPoint:
		return "POINT_TO_POINT"
	case ModeAccessPoint:
		return "ACCESS_POINT"
	case ModeRoaming:
		return "ROAMING"
	case ModeBoundary:
		return "BOUNDARY"
	case ModeGateway:
		return "GATEWAY"
	default:
		return "UNKNOWN"
	}
}

// PathExpiry returns how long a path learned over an interface in this
// mode stays valid before it must be refreshed by a new announce (§3.4).
func (m Mode) PathExpiry() time.Duration {
	switch m {
	case ModeRoaming:
		return 6 * time.Hour
	case ModeAccessPoint:
		return 24 * time.Hour
	default: // FULL, POINT_TO_POINT, BOUNDARY, GATEWAY
		return 7 * 24 * time.Hour
	}
}

// ifacSaltHex is the fixed 32-byte IFAC salt from §6.
const ifacSaltHex = "adf54d882c9a9b80771eb4995d702d4a3e733391b2a0f53f416d9f907e55cff8"

var ifacSalt = mustDecodeHex(ifacSaltHex)

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("iface: malformed IFAC_SALT constant: " + err.Error())
	}
	return b
}

// DeriveIFACKey computes the 64-byte per-interface IFAC key:
// HKDF-SHA256(length=64, ikm=SHA-256(netname), salt=IFAC_SALT, info=nil).
func DeriveIFACKey(netname string) ([64]byte, error) {
	var out [64]byte
	ikm := sha256.Sum256([]byte(netname))
	kdf := hkdf.New(sha256.New, ikm[:], ifacSalt, nil)
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, fmt.Errorf("derive ifac key: %w", err)
	}
	return out, nil
}

// Stats holds running per-interface counters used by the speed/budget
// accounting maintenance job (§4.3 job 9).
type Stats struct {
	TxBytes       uint64
	RxBytes       uint64
	TxPackets     uint64
	RxPackets     uint64
	HeldAnnounces uint64
}

// statsCounters is the atomic backing store for Stats snapshots.
type statsCounters struct {
	txBytes, rxBytes     atomic.Uint64
	txPackets, rxPackets atomic.Uint64
	heldAnnounces        atomic.Uint64
}

func (c *statsCounters) snapshot() Stats {
	return Stats{
		TxBytes:       c.txBytes.Load(),
		RxBytes:       c.rxBytes.Load(),
		TxPackets:     c.txPackets.Load(),
		RxPackets:     c.rxPackets.Load(),
		HeldAnnounces: c.heldAnnounces.Load(),
	}
}

// Config is the static configuration of a concrete interface, supplied by
// the out-of-scope driver at construction time.
type Config struct {
	Name       string
	Mode       Mode
	Bitrate    uint64 // bits/sec
	HWMTU      int
	CanSend    bool
	CanReceive bool

	IFACNetname string // empty disables IFAC
	IFACSize    int    // 0, 1, 8, or 16
	WantsTunnel bool
}

// Interface is the capability contract of §4.5. Concrete drivers (sockets,
// radios — all out of scope) embed *Base and implement Start/Detach/
// ProcessOutgoing; Transport only depends on this interface.
type Interface interface {
	Name() string
	Mode() Mode
	Bitrate() uint64
	HWMTU() int
	CanSend() bool
	CanReceive() bool
	Online() bool
	WantsTunnel() bool

	IFACKey() ([64]byte, bool)
	IFACSize() int

	Stats() Stats

	// Start begins the driver's connection lifecycle (dial, listen,
	// device open). OnPacketReceived must be wired before Start is
	// called for inbound packets to reach Transport.
	Start(ctx context.Context) error
	// Detach tears the driver down; Start may not be called again on the
	// same Interface value.
	Detach() error
	// ProcessOutgoing hands a framed (or, for datagram drivers, raw)
	// packet to the driver for transmission.
	ProcessOutgoing(data []byte) error
	// SetOnPacketReceived wires the callback Transport.Inbound should be
	// bound to; drivers call it once per deframed packet.
	SetOnPacketReceived(f func(data []byte, from Interface))
}

// Base is embeddable scaffolding shared by every concrete driver: the
// attribute set, running stats, online flag, and the inbound callback
// slot. It does not implement Start/Detach/ProcessOutgoing itself.
type Base struct {
	cfg Config

	online atomic.Bool
	stats  statsCounters

	ifacKey     [64]byte
	hasIFACKey  bool

	mu       sync.RWMutex
	onPacket func(data []byte, from Interface)
}

// NewBase constructs the shared scaffolding for a concrete driver.
func NewBase(cfg Config) (*Base, error) {
	switch cfg.IFACSize {
	case 0, 1, 8, 16:
	default:
		return nil, fmt.Errorf("iface: invalid IFACSize %d", cfg.IFACSize)
	}
	b := &Base{cfg: cfg}
	if cfg.IFACNetname != "" {
		key, err := DeriveIFACKey(cfg.IFACNetname)
		if err != nil {
			return nil, err
		}
		b.ifacKey = key
		b.hasIFACKey = true
	}
	return b, nil
}

func (b *Base) Name() string        { return b.cfg.Name }
func (b *Base) Mode() Mode          { return b.cfg.Mode }
func (b *Base) Bitrate() uint64     { return b.cfg.Bitrate }
func (b *Base) HWMTU() int          { return b.cfg.HWMTU }
func (b *Base) CanSend() bool       { return b.cfg.CanSend }
func (b *Base) CanReceive() bool    { return b.cfg.CanReceive }
func (b *Base) WantsTunnel() bool   { return b.cfg.WantsTunnel }
func (b *Base) Online() bool        { return b.online.Load() }
func (b *Base) SetOnline(v bool)    { b.online.Store(v) }
func (b *Base) IFACSize() int       { return b.cfg.IFACSize }

func (b *Base) IFACKey() ([64]byte, bool) {
	return b.ifacKey, b.hasIFACKey
}

func (b *Base) Stats() Stats { return b.stats.snapshot() }

func (b *Base) RecordTx(n int) {
	b.stats.txBytes.Add(uint64(n))
	b.stats.txPackets.Add(1)
}

func (b *Base) RecordRx(n int) {
	b.stats.rxBytes.Add(uint64(n))
	b.stats.rxPackets.Add(1)
}

func (b *Base) RecordHeldAnnounce() { b.stats.heldAnnounces.Add(1) }

func (b *Base) SetOnPacketReceived(f func(data []byte, from Interface)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPacket = f
}

// Deliver invokes the wired callback, if any, with self as the `from`
// Interface. Concrete drivers call this once per deframed inbound packet.
func (b *Base) Deliver(self Interface, data []byte) {
	b.mu.RLock()
	f := b.onPacket
	b.mu.RUnlock()
	if f != nil {
		b.RecordRx(len(data))
		f(data, self)
	}
}
