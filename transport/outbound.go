package transport

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/cvsouth/meshwire/destination"
	"github.com/cvsouth/meshwire/iface"
	"github.com/cvsouth/meshwire/link"
	"github.com/cvsouth/meshwire/packet"
)

// Outbound is the entry point for every packet produced locally (by Link,
// Destination, or Transport itself). Announces and PATH_REQUEST are
// broadcast on every permitted interface; everything else is routed via
// the link table's pinned hop (if this node is an intermediate forwarder)
// or the path table's recorded next hop.
func (t *Transport) Outbound(p *packet.Packet) error {
	if !t.isStarted() {
		return ErrTransportNotStarted
	}

	if p.Type == packet.TypeAnnounce {
		return t.broadcastAnnounce(p)
	}
	if p.Type == packet.TypeData && p.Context == packet.ContextPathRequest {
		return t.broadcastPathRequest(p)
	}

	t.linksMu.Lock()
	peer, isLocalLink := t.linkIfaces[p.DestinationHash]
	t.linksMu.Unlock()
	if isLocalLink {
		return t.sendDirect(peer, p)
	}
	if entry, ok := t.linkTab.get(p.DestinationHash); ok && entry.NextHopIface != nil {
		return t.sendDirect(entry.NextHopIface, p)
	}
	if entry, ok := t.paths.lookup(p.DestinationHash); ok && entry.NextHopIface != nil {
		return t.sendDirect(entry.NextHopIface, p)
	}
	return fmt.Errorf("transport: no path to destination %x", p.DestinationHash)
}

// EstablishLink initiates a link to destHash: it resolves the current best
// path, sends a LINKREQUEST over that path's next hop, and begins tracking
// the pending link for the watchdog and for CompleteInitiator dispatch
// (§4.4). The returned Link is PENDING until its PROOF arrives.
func (t *Transport) EstablishLink(destHash [16]byte) (*link.Link, error) {
	entry, ok := t.paths.lookup(destHash)
	if !ok || entry.NextHopIface == nil {
		return nil, fmt.Errorf("transport: no path to destination %x", destHash)
	}
	l, err := link.NewInitiator(destHash, int(entry.Hops))
	if err != nil {
		return nil, fmt.Errorf("transport: establish link: %w", err)
	}
	t.trackLink(l, entry.NextHopIface)

	p := &packet.Packet{
		HeaderType:      packet.Header1,
		DestinationType: packet.DestSingle,
		Type:            packet.TypeLinkRequest,
		DestinationHash: destHash,
		Payload:         l.LinkRequestPayload(),
	}
	if err := t.sendDirect(entry.NextHopIface, p); err != nil {
		t.dropLink(l.ID)
		return nil, fmt.Errorf("transport: establish link: %w", err)
	}
	return l, nil
}

func (t *Transport) sendDirect(out iface.Interface, p *packet.Packet) error {
	if !out.Online() {
		return fmt.Errorf("transport: next-hop interface %s is offline", out.Name())
	}
	data, err := p.Pack()
	if err != nil {
		return fmt.Errorf("transport outbound: %w", err)
	}
	if err := out.ProcessOutgoing(data); err != nil {
		return fmt.Errorf("transport outbound: %w", err)
	}
	return nil
}

// broadcastAnnounce enqueues a locally originated announce on every
// interface whose mode permits announces (local destinations are always
// permitted except on ACCESS_POINT, which never announces).
func (t *Transport) broadcastAnnounce(p *packet.Packet) error {
	t.ifacesMu.RLock()
	defer t.ifacesMu.RUnlock()
	if len(t.ifaces) == 0 {
		return fmt.Errorf("transport: no interfaces registered")
	}
	var firstErr error
	for name, out := range t.ifaces {
		if !shouldForward(out.Mode(), true, nil) {
			continue
		}
		data, err := p.Pack()
		if err != nil {
			return fmt.Errorf("transport outbound: %w", err)
		}
		t.enqueueAnnounceLocked(name, out, p.DestinationHash, data)
	}
	return firstErr
}

// broadcastPathRequest sends a PATH_REQUEST directly on every interface
// whose mode permits outbound broadcasts, bypassing the announce rate
// cap (path requests are not subject to ANNOUNCE_CAP).
func (t *Transport) broadcastPathRequest(p *packet.Packet) error {
	t.ifacesMu.RLock()
	defer t.ifacesMu.RUnlock()
	var lastErr error
	sent := false
	for _, out := range t.ifaces {
		if !shouldForward(out.Mode(), true, nil) || !out.Online() {
			continue
		}
		data, err := p.Pack()
		if err != nil {
			return fmt.Errorf("transport outbound: %w", err)
		}
		if err := out.ProcessOutgoing(data); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent && lastErr != nil {
		return lastErr
	}
	return nil
}

// RequestPath broadcasts a PATH_REQUEST for destHash, asking any node that
// already has a cached path (or owns the destination) to answer with a
// fresh announce (§4.3). respond_to_probes on the receiving node governs
// whether it answers.
func (t *Transport) RequestPath(destHash [16]byte) error {
	var probe [16]byte
	if _, err := rand.Read(probe[:]); err != nil {
		return fmt.Errorf("transport: request path: %w", err)
	}
	p := &packet.Packet{
		HeaderType:      packet.Header1,
		DestinationType: packet.DestPlain,
		Type:            packet.TypeData,
		Context:         packet.ContextPathRequest,
		DestinationHash: probe,
		Payload:         destHash[:],
	}
	return t.Outbound(p)
}

// Request sends a typed RPC request over an ACTIVE link (§4.4): it asks l
// to compose and encrypt the REQUEST, then delivers it through Outbound.
// onResponse is invoked from the inbound path when the matching RESPONSE
// arrives, and onFailure from the maintenance loop's link watchdog when the
// request times out; neither is invoked synchronously.
func (t *Transport) Request(l *link.Link, path string, data []byte, onResponse func([]byte), onFailure func(error), timeout time.Duration) error {
	ciphertext, err := l.Request(path, data, onResponse, onFailure, timeout)
	if err != nil {
		return fmt.Errorf("transport: request: %w", err)
	}
	p := &packet.Packet{
		HeaderType:      packet.Header1,
		DestinationType: packet.DestLink,
		Type:            packet.TypeData,
		Context:         packet.ContextRequest,
		DestinationHash: l.ID,
		Payload:         ciphertext,
	}
	return t.Outbound(p)
}

// Announce composes and sends an announce for a locally owned SINGLE, IN
// destination, then delivers it to Outbound.
func (t *Transport) Announce(d *destination.Destination, appData []byte) error {
	ann, hasRatchet, err := d.BuildAnnounce(appData)
	if err != nil {
		return fmt.Errorf("transport announce: %w", err)
	}
	p := &packet.Packet{
		HeaderType:      packet.Header1,
		DestinationType: packet.DestSingle,
		Type:            packet.TypeAnnounce,
		ContextFlag:     hasRatchet,
		DestinationHash: d.DestinationHash,
		Context:         packet.ContextNone,
		Payload:         ann.Pack(),
	}
	return t.Outbound(p)
}
