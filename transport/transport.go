// Package transport implements the routing and forwarding engine: the
// inbound/outbound packet pipeline, the announce/path-resolution protocol,
// the path and link tables, the deduplication hashlist, mode-filtered
// announce propagation, tunnel synthesis, and the periodic maintenance
// loop that drives all of the above from a single tick.
package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/meshwire/destination"
	"github.com/cvsouth/meshwire/identity"
	"github.com/cvsouth/meshwire/iface"
	"github.com/cvsouth/meshwire/link"
	"github.com/cvsouth/meshwire/packet"
)

// Sentinel errors for the application-visible cases in the error taxonomy
// (§7); authentication/integrity failures are never turned into errors
// that reach a caller, they are silently dropped and logged.
var (
	ErrTransportNotStarted = errors.New("transport: not started")
	ErrConfigurationError  = errors.New("transport: configuration error")
	ErrInterfaceUnknown    = errors.New("transport: unknown interface")
)

const (
	defaultTickInterval        = 250 * time.Millisecond
	defaultHashlistCapacity    = 1_000_000
	mobileHashlistCapacity     = 50_000
	knownDestinationMaxAge     = 7 * 24 * time.Hour
	pathTablePersistInterval   = 5 * time.Minute
	tunnelSynthesisInterval    = time.Minute
	hashlistRotationInterval   = time.Hour
	knownDestCullInterval      = time.Hour
	receiptDefaultTimeout      = 15 * time.Second
)

// PowerSaving is the signal contract consumed from the external
// power-saving collaborator (Android battery/Doze observer, or any other
// platform scheduler): a hard throttle flag and an interval multiplier in
// [1.0, 5.0], both read fresh on every tick (§4.3, §6).
type PowerSaving interface {
	ShouldThrottle() bool
	ThrottleMultiplier() float64
}

type noopPowerSaving struct{}

func (noopPowerSaving) ShouldThrottle() bool        { return false }
func (noopPowerSaving) ThrottleMultiplier() float64 { return 1.0 }

// Config is the static configuration surface Transport consumes from the
// out-of-scope CLI/config collaborator (§6).
type Config struct {
	EnableTransport    bool
	ShareInstance      bool
	SharedInstancePort uint16
	RespondToProbes    bool
	LinkMTUDiscovery   bool
	LogLevel           int

	// StorageDir is the instance directory (§6): identities/, storage/,
	// cache/ live beneath it. Empty disables persistence.
	StorageDir string

	// HashlistCapacity overrides the platform default (1,000,000 desktop,
	// 50,000 mobile) when non-zero.
	HashlistCapacity int
	// Mobile selects the smaller mobile hashlist capacity when
	// HashlistCapacity is unset.
	Mobile bool

	// TickInterval is the nominal maintenance loop period (default 250ms).
	TickInterval time.Duration

	PowerSaving PowerSaving
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.HashlistCapacity <= 0 {
		if c.Mobile {
			c.HashlistCapacity = mobileHashlistCapacity
		} else {
			c.HashlistCapacity = defaultHashlistCapacity
		}
	}
	if c.PowerSaving == nil {
		c.PowerSaving = noopPowerSaving{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// AnnounceHandler observes accepted announces. A non-empty filter given to
// RegisterAnnounceHandler restricts delivery to announces whose app_data
// contains it as a substring — the "observer
// callbacks" of §4.3 generalized into a filtered registry (SPEC_FULL §4).
type AnnounceHandler func(destHash [16]byte, ann *destination.Announce, from iface.Interface)

type announceHandlerEntry struct {
	token  int
	filter string
	fn     AnnounceHandler
}

// DestinationHandle is what RegisterDestination binds: the destination
// itself, its data callback, and whether it accepts inbound LINKREQUESTs.
type DestinationHandle struct {
	Destination        *destination.Destination
	OnPacket           func(plaintext []byte, pkt *packet.Packet)
	AcceptLinkRequests bool
	OnLinkRequest      func(l *link.Link)
}

// Transport is the process-wide routing and forwarding service handle.
// Per §9 it is explicitly created and torn down rather than expressed as
// a package-level singleton, so multiple instances can coexist in one
// process (e.g. in tests).
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	started bool
	id      *identity.Identity

	ifacesMu sync.RWMutex
	ifaces   map[string]iface.Interface
	queues   map[string]*announceQueue

	destMu sync.RWMutex
	dests  map[[16]byte]*DestinationHandle

	handlersMu sync.Mutex
	handlers   []announceHandlerEntry
	nextToken  int

	linksMu    sync.Mutex
	links      map[[16]byte]*link.Link
	linkIfaces map[[16]byte]iface.Interface

	paths    *pathTable
	linkTab  *linkTable
	dedup    *dedupRing
	known    *knownDestinations
	receipts *receiptTable
	tunnels  *tunnelStore

	lastRun   map[string]time.Time
	lastRunMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Transport in the stopped state. Call Start to begin
// operation.
func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:        cfg,
		logger:     cfg.Logger,
		ifaces:     make(map[string]iface.Interface),
		queues:     make(map[string]*announceQueue),
		dests:      make(map[[16]byte]*DestinationHandle),
		links:      make(map[[16]byte]*link.Link),
		linkIfaces: make(map[[16]byte]iface.Interface),
		paths:      newPathTable(),
		linkTab:    newLinkTable(),
		dedup:      newDedupRing(cfg.HashlistCapacity),
		known:      newKnownDestinations(),
		receipts:   newReceiptTable(),
		tunnels:    newTunnelStore(),
		lastRun:    make(map[string]time.Time),
	}
}

// Start initializes the routing tables, loads any persisted path/tunnel
// state, and begins the maintenance loop. id is the daemon's own identity
// and is stored on the Transport; locally-handled LINKREQUESTs are signed
// with the addressed destination's own identity only.
func (t *Transport) Start(ctx context.Context, id *identity.Identity) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport: already started")
	}
	t.id = id
	t.started = true
	t.mu.Unlock()

	if t.cfg.StorageDir != "" {
		if err := t.loadPersisted(); err != nil {
			t.logger.Warn("failed to load persisted state", "error", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.maintenanceLoop(loopCtx)

	t.logger.Info("transport started", "enable_transport", t.cfg.EnableTransport)
	return nil
}

// Stop cancels the maintenance loop, detaches every interface, and
// persists final state.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	t.ifacesMu.RLock()
	ifaces := make([]iface.Interface, 0, len(t.ifaces))
	for _, i := range t.ifaces {
		ifaces = append(ifaces, i)
	}
	t.ifacesMu.RUnlock()
	for _, i := range ifaces {
		if err := i.Detach(); err != nil {
			t.logger.Warn("interface detach failed", "iface", i.Name(), "error", err)
		}
	}

	if t.cfg.StorageDir != "" {
		if err := t.persist(); err != nil {
			t.logger.Warn("failed to persist state on stop", "error", err)
		}
	}
	t.logger.Info("transport stopped")
	return nil
}

func (t *Transport) isStarted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

// RegisterInterface adds an interface to the active set and wires its
// inbound callback to Transport.Inbound.
func (t *Transport) RegisterInterface(i iface.Interface) error {
	t.ifacesMu.Lock()
	defer t.ifacesMu.Unlock()
	if _, exists := t.ifaces[i.Name()]; exists {
		return fmt.Errorf("%w: interface %q already registered", ErrConfigurationError, i.Name())
	}
	t.ifaces[i.Name()] = i
	t.queues[i.Name()] = newAnnounceQueue(i.Bitrate())
	i.SetOnPacketReceived(func(data []byte, from iface.Interface) {
		t.Inbound(data, from)
	})
	t.logger.Info("interface registered", "iface", i.Name(), "mode", i.Mode().String())
	return nil
}

// DeregisterInterface removes an interface and discards any path-table
// entries routed through it.
func (t *Transport) DeregisterInterface(name string) error {
	t.ifacesMu.Lock()
	i, ok := t.ifaces[name]
	if !ok {
		t.ifacesMu.Unlock()
		return fmt.Errorf("%w: %s", ErrInterfaceUnknown, name)
	}
	delete(t.ifaces, name)
	delete(t.queues, name)
	t.ifacesMu.Unlock()

	t.paths.removeByInterface(name)
	_ = i
	t.logger.Info("interface deregistered", "iface", name)
	return nil
}

func (t *Transport) interfaceByName(name string) (iface.Interface, bool) {
	t.ifacesMu.RLock()
	defer t.ifacesMu.RUnlock()
	i, ok := t.ifaces[name]
	return i, ok
}

// RegisterDestination routes inbound packets addressed to h's destination
// hash to h's callback, and (if AcceptLinkRequests) spawns Link responders
// for inbound LINKREQUESTs.
func (t *Transport) RegisterDestination(h *DestinationHandle) error {
	if h == nil || h.Destination == nil {
		return fmt.Errorf("%w: nil destination handle", ErrConfigurationError)
	}
	t.destMu.Lock()
	defer t.destMu.Unlock()
	t.dests[h.Destination.DestinationHash] = h
	return nil
}

// UnregisterDestination stops routing packets to the given destination.
func (t *Transport) UnregisterDestination(destHash [16]byte) {
	t.destMu.Lock()
	defer t.destMu.Unlock()
	delete(t.dests, destHash)
}

// RegisterAnnounceHandler adds an observer invoked for every accepted
// announce whose app_data contains filter as a substring (empty filter
// matches everything); the destination's name and aspects are not matched.
// It returns a token for deregistration.
func (t *Transport) RegisterAnnounceHandler(filter string, f AnnounceHandler) int {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.nextToken++
	tok := t.nextToken
	t.handlers = append(t.handlers, announceHandlerEntry{token: tok, filter: filter, fn: f})
	return tok
}

// DeregisterAnnounceHandler removes a handler registered with
// RegisterAnnounceHandler.
func (t *Transport) DeregisterAnnounceHandler(token int) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	for i, e := range t.handlers {
		if e.token == token {
			t.handlers = append(t.handlers[:i], t.handlers[i+1:]...)
			return
		}
	}
}

// HasPath reports whether a live path-table entry exists for dest.
func (t *Transport) HasPath(dest [16]byte) bool {
	e, ok := t.paths.lookup(dest)
	if !ok {
		return false
	}
	return e.NextHopIface == nil || e.NextHopIface.Online()
}

// HopsTo returns the hop count of the current best path to dest, if any.
func (t *Transport) HopsTo(dest [16]byte) (int, bool) {
	h, ok := t.paths.hops(dest)
	return int(h), ok
}

// Links returns the link_id-keyed set of locally terminated links
// currently tracked for watchdog purposes, for diagnostics.
func (t *Transport) Links() map[[16]byte]*link.Link {
	t.linksMu.Lock()
	defer t.linksMu.Unlock()
	out := make(map[[16]byte]*link.Link, len(t.links))
	for k, v := range t.links {
		out[k] = v
	}
	return out
}

// trackLink registers a locally terminated link with the maintenance
// loop's watchdog job. peer is the interface this node reaches the other
// endpoint through, used to route subsequent link-encrypted traffic
// without a path-table entry (link_id and destination_hash are distinct
// namespaces, so the path table cannot answer for a link_id).
func (t *Transport) trackLink(l *link.Link, peer iface.Interface) {
	t.linksMu.Lock()
	defer t.linksMu.Unlock()
	t.links[l.ID] = l
	t.linkIfaces[l.ID] = peer
}

func randomTransportID() ([16]byte, error) {
	var out [16]byte
	if _, err := rand.Read(out[:]); err != nil {
		return out, err
	}
	return out, nil
}
