package transport

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/cvsouth/meshwire/destination"
	"github.com/cvsouth/meshwire/iface"
	"github.com/cvsouth/meshwire/link"
	"github.com/cvsouth/meshwire/packet"
)

// Inbound is the entry point for every frame deframed off an interface
// (§4.3). It runs the full pipeline: IFAC verification, unpack, hop-count
// guard, dedup, then dispatch by packet type.
func (t *Transport) Inbound(data []byte, from iface.Interface) {
	t.inbound(data, from, false)
}

// replayAnnounce re-runs a previously seen announce through the same
// path-table-update/rebroadcast logic as a freshly arrived one, without
// the dedup gate: it is byte-identical to what was already hashed into
// the dedup ring the first time it was received (§4.3 job 6, tunnel
// synthesis), so the ordinary Inbound path would drop it as a duplicate
// every time.
func (t *Transport) replayAnnounce(data []byte, from iface.Interface) {
	t.inbound(data, from, true)
}

func (t *Transport) inbound(data []byte, from iface.Interface, bypassDedup bool) {
	if !t.isStarted() {
		t.logger.Debug("inbound packet before start, dropping")
		return
	}

	ifacSize := 0
	var ifacKey [64]byte
	if key, ok := from.IFACKey(); ok {
		ifacSize = from.IFACSize()
		ifacKey = key
	}

	if ifacSize > 0 {
		body, tag, err := packet.SplitIFACTag(data, ifacSize)
		if err != nil {
			t.logger.Debug("ifac split failed, dropping", "iface", from.Name(), "error", err)
			return
		}
		if !packet.VerifyIFACTag(body, ifacKey[:], tag) {
			t.logger.Debug("ifac tag mismatch, dropping", "iface", from.Name())
			return
		}
	}

	p, err := packet.Unpack(data, ifacSize)
	if err != nil {
		t.logger.Debug("unpack failed, dropping", "iface", from.Name(), "error", err)
		return
	}
	if p.Hops > packet.PathfinderM {
		t.logger.Debug("hops exceed PATHFINDER_M, dropping", "hops", p.Hops)
		return
	}

	hash, err := p.Hash()
	if err != nil {
		t.logger.Debug("hash failed, dropping", "error", err)
		return
	}
	if !bypassDedup && t.dedup.checkAndAdd(hash) {
		return // already seen, at-most-once forwarding
	}

	switch p.Type {
	case packet.TypeAnnounce:
		t.handleAnnounce(p, from)
	case packet.TypeLinkRequest:
		t.handleLinkRequest(p, from)
	case packet.TypeProof:
		t.handleProof(p, hash, from)
	case packet.TypeData:
		t.handleData(p, from)
	default:
		t.logger.Debug("unknown packet type, dropping", "type", p.Type)
	}
}

func (t *Transport) handleAnnounce(p *packet.Packet, from iface.Interface) {
	ann, err := destination.UnpackAnnounce(p.Payload, p.ContextFlag)
	if err != nil {
		t.logger.Debug("malformed announce, dropping", "error", err)
		return
	}
	if err := ann.Verify(p.DestinationHash, time.Now()); err != nil {
		t.logger.Debug("announce verification failed, dropping", "error", err)
		return
	}

	t.known.observe(p.DestinationHash, ann.PublicKeys, ann.AppData, time.Now())

	mode := from.Mode()
	candidate := PathEntry{
		NextHopIface: from,
		Hops:         p.Hops,
		Expiry:       time.Now().Add(mode.PathExpiry()),
		Announce:     mustPack(p),
		SourceMode:   mode,
		Timestamp:    ann.Timestamp(),
	}
	accepted := t.paths.update(p.DestinationHash, candidate, time.Now())
	if !accepted {
		return
	}
	if from.WantsTunnel() {
		t.tunnels.remember(DeriveTunnelID([]byte(from.Name())), candidate.Announce)
	}

	t.destMu.RLock()
	_, isLocal := t.dests[p.DestinationHash]
	t.destMu.RUnlock()

	t.invokeAnnounceHandlers(p.DestinationHash, ann, from)

	if !t.cfg.EnableTransport {
		return
	}
	t.rebroadcastAnnounce(p, from.Name(), isLocal, mode)
}

func (t *Transport) invokeAnnounceHandlers(destHash [16]byte, ann *destination.Announce, from iface.Interface) {
	t.handlersMu.Lock()
	handlers := append([]announceHandlerEntry(nil), t.handlers...)
	t.handlersMu.Unlock()

	for _, h := range handlers {
		if h.filter != "" && !announceMatchesFilter(ann, h.filter) {
			continue
		}
		h.fn(destHash, ann, from)
	}
}

func announceMatchesFilter(ann *destination.Announce, filter string) bool {
	// Matches against the name_hash's hex form is not possible (one-way
	// hash); app-level handlers filter on app_data or the destination hash
	// itself, so here the filter is applied to any textual app_data only
	// as a best-effort convenience match.
	return strings.Contains(string(ann.AppData), filter)
}

// rebroadcastAnnounce forwards an accepted announce to every other
// registered interface whose mode permits it (§4.3), incrementing hops.
func (t *Transport) rebroadcastAnnounce(p *packet.Packet, arrivedOn string, isLocal bool, sourceMode iface.Mode) {
	if p.Hops >= packet.PathfinderM {
		return
	}
	fwd := *p
	fwd.Hops = p.Hops + 1

	t.ifacesMu.RLock()
	defer t.ifacesMu.RUnlock()
	for name, out := range t.ifaces {
		if name == arrivedOn {
			continue
		}
		sm := sourceMode
		if !shouldForward(out.Mode(), isLocal, &sm) {
			continue
		}
		data, err := fwd.Pack()
		if err != nil {
			continue
		}
		t.enqueueAnnounceLocked(name, out, p.DestinationHash, data)
	}
}

func (t *Transport) enqueueAnnounceLocked(name string, out iface.Interface, dest [16]byte, data []byte) {
	q, ok := t.queues[name]
	if !ok {
		return
	}
	q.enqueue(dest, data)
}

func (t *Transport) handleLinkRequest(p *packet.Packet, from iface.Interface) {
	t.destMu.RLock()
	h, local := t.dests[p.DestinationHash]
	t.destMu.RUnlock()

	if local && h.AcceptLinkRequests {
		if len(p.Payload) < link.KeySize {
			t.logger.Debug("linkrequest payload too short, dropping")
			return
		}
		var ephPub [link.KeySize]byte
		copy(ephPub[:], p.Payload[:link.KeySize])

		id := h.Destination.Identity
		if id == nil || !id.HasPrivateKey() {
			t.logger.Debug("linkrequest for destination without private identity, dropping")
			return
		}
		l, proof, err := link.NewResponder(id, p.DestinationHash, ephPub)
		if err != nil {
			t.logger.Debug("link responder setup failed, dropping", "error", err)
			return
		}
		t.trackLink(l, from)

		if t.cfg.LinkMTUDiscovery {
			proof = appendLinkMTU(proof, link.MDU)
		}
		proofPkt := &packet.Packet{
			HeaderType:      packet.Header1,
			DestinationType: packet.DestLink,
			Type:            packet.TypeProof,
			Context:         packet.ContextLRProof,
			DestinationHash: l.ID,
			Payload:         proof,
		}
		if err := t.Outbound(proofPkt); err != nil {
			t.logger.Warn("failed to send link proof", "error", err)
		}
		if h.OnLinkRequest != nil {
			h.OnLinkRequest(l)
		}
		return
	}

	// Not ours: forward one hop if a path exists, pinning the link_id.
	entry, ok := t.paths.lookup(p.DestinationHash)
	if !ok || !t.cfg.EnableTransport {
		return
	}
	t.linkTab.put(linkIDFromPayload(p), LinkTableEntry{
		EstablishedAt: time.Now(),
		NextHopIface:  entry.NextHopIface,
		PeerIface:     from,
		ExpectedHops:  entry.Hops,
		ProofTimeout:  time.Now().Add(link.EstablishmentTimeoutPerHop * time.Duration(max(1, int(entry.Hops)))),
	})
	t.forwardOneHop(p, entry.NextHopIface)
}

// appendLinkMTU and trailingLinkMTU implement §5 Open Question 3's pinned
// encoding: a single big-endian uint16 appended after the fixed-length
// PROOF payload (eph_pub || sig), carrying the sender's local link MTU.
func appendLinkMTU(proof []byte, mtu int) []byte {
	out := make([]byte, len(proof)+2)
	copy(out, proof)
	binary.BigEndian.PutUint16(out[len(proof):], uint16(mtu))
	return out
}

func trailingLinkMTU(proof []byte) (int, bool) {
	const proofLen = link.KeySize + 64
	if len(proof) < proofLen+2 {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(proof[proofLen : proofLen+2])), true
}

// sendMTUKeepalive is the initiator's follow-up to a PROOF carrying a
// responder MTU: a KEEPALIVE DATA packet whose plaintext is the
// initiator's own local MTU, completing the two-sided negotiation (§5
// Open Question 3).
func (t *Transport) sendMTUKeepalive(l *link.Link) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(link.MDU))
	ct, err := l.Encrypt(buf[:])
	if err != nil {
		t.logger.Debug("mtu keepalive encrypt failed", "link_id", l.ID, "error", err)
		return
	}
	p := &packet.Packet{
		HeaderType:      packet.Header1,
		DestinationType: packet.DestLink,
		Type:            packet.TypeData,
		Context:         packet.ContextKeepalive,
		DestinationHash: l.ID,
		Payload:         ct,
	}
	if err := t.Outbound(p); err != nil {
		t.logger.Debug("mtu keepalive send failed", "link_id", l.ID, "error", err)
	}
}

func linkIDFromPayload(p *packet.Packet) [16]byte {
	// The link_id is not carried explicitly on LINKREQUEST (it is derived
	// by both ends from eph_pub || destination_hash); intermediate
	// forwarders key the pinned entry on the destination hash instead,
	// since they never compute the ephemeral-derived id themselves.
	return p.DestinationHash
}

func (t *Transport) handleProof(p *packet.Packet, hash [16]byte, from iface.Interface) {
	if p.Context == packet.ContextLRProof {
		t.linksMu.Lock()
		l, ok := t.links[p.DestinationHash]
		t.linksMu.Unlock()
		if ok {
			remoteID, known := t.known.recall(l.DestinationHash)
			if !known {
				t.logger.Debug("no known identity to verify link proof, dropping")
				return
			}
			if err := l.CompleteInitiator(remoteID, p.Payload); err != nil {
				t.logger.Debug("link proof verification failed", "link_id", l.ID, "error", err)
				return
			}
			if t.cfg.LinkMTUDiscovery {
				if remoteMTU, ok := trailingLinkMTU(p.Payload); ok {
					l.NegotiateMTU(remoteMTU)
				}
				t.sendMTUKeepalive(l)
			}
			return
		}
		if entry, ok := t.linkTab.get(p.DestinationHash); ok && t.cfg.EnableTransport {
			t.forwardOneHop(p, entry.NextHopIface)
			return
		}
		return
	}

	// A packet-delivery proof: match by packet hash against outstanding
	// receipts.
	if t.receipts.resolve(hash, true) {
		return
	}
	if entry, ok := t.paths.lookup(p.DestinationHash); ok && t.cfg.EnableTransport {
		t.forwardOneHop(p, entry.NextHopIface)
	}
}

func (t *Transport) handleData(p *packet.Packet, from iface.Interface) {
	if p.Context == packet.ContextPathRequest {
		t.handlePathRequest(p, from)
		return
	}

	// DATA addressed to a link_id is always a link-encrypted payload,
	// regardless of whether a DestinationHandle happens to share the hash
	// (link_id and destination_hash live in the same 16-byte namespace but
	// are derived independently, so this check must come first).
	t.linksMu.Lock()
	l, isLink := t.links[p.DestinationHash]
	t.linksMu.Unlock()
	if isLink {
		pt, ok := l.Decrypt(p.Payload)
		if !ok {
			return // HMAC mismatch: silent drop, never close the link
		}
		l.Touch(time.Now())

		switch p.Context {
		case packet.ContextKeepalive:
			if t.cfg.LinkMTUDiscovery && len(pt) == 2 {
				l.NegotiateMTU(int(binary.BigEndian.Uint16(pt)))
			}
			return // Touch above already reset the stale timer
		case packet.ContextRequest:
			if resp, ok := l.HandleRequestPayload(pt); ok {
				respPkt := &packet.Packet{
					HeaderType:      packet.Header1,
					DestinationType: packet.DestLink,
					Type:            packet.TypeData,
					Context:         packet.ContextResponse,
					DestinationHash: l.ID,
					Payload:         resp,
				}
				if err := t.Outbound(respPkt); err != nil {
					t.logger.Debug("failed to send response", "link_id", l.ID, "error", err)
				}
			}
			return
		case packet.ContextResponse:
			l.HandleResponsePayload(pt)
			return
		}

		t.destMu.RLock()
		h, hasHandler := t.dests[l.DestinationHash]
		t.destMu.RUnlock()
		if hasHandler && h.OnPacket != nil {
			h.OnPacket(pt, p)
		}
		return
	}

	t.destMu.RLock()
	h, local := t.dests[p.DestinationHash]
	t.destMu.RUnlock()

	if local {
		pt, ok := h.Destination.Decrypt(p.Payload)
		if !ok {
			return
		}
		if h.OnPacket != nil {
			h.OnPacket(pt, p)
		}
		return
	}

	if !t.cfg.EnableTransport {
		return
	}
	entry, ok := t.paths.lookup(p.DestinationHash)
	if !ok {
		return
	}
	t.forwardOneHop(p, entry.NextHopIface)
}

// handlePathRequest answers a PATH_REQUEST probe (payload is the queried
// destination hash) by replaying a cached announce back out the arrival
// interface when respond_to_probes is enabled and a path is known;
// otherwise it floods the probe onward like any other broadcast, subject
// to the hop limit and EnableTransport.
func (t *Transport) handlePathRequest(p *packet.Packet, from iface.Interface) {
	if len(p.Payload) != 16 {
		return
	}
	var queried [16]byte
	copy(queried[:], p.Payload)

	if t.cfg.RespondToProbes {
		if entry, ok := t.paths.lookup(queried); ok && len(entry.Announce) > 0 {
			if err := from.ProcessOutgoing(entry.Announce); err != nil {
				t.logger.Debug("path response send failed", "error", err)
			}
			return
		}
	}
	if !t.cfg.EnableTransport || p.Hops >= packet.PathfinderM {
		return
	}
	fwd := *p
	fwd.Hops = p.Hops + 1
	data, err := fwd.Pack()
	if err != nil {
		return
	}
	t.ifacesMu.RLock()
	defer t.ifacesMu.RUnlock()
	for name, out := range t.ifaces {
		if name == from.Name() || !out.Online() {
			continue
		}
		_ = out.ProcessOutgoing(data)
	}
}

// forwardOneHop increments hops and sends p out a single pinned interface.
func (t *Transport) forwardOneHop(p *packet.Packet, out iface.Interface) {
	if out == nil || !out.Online() || p.Hops >= packet.PathfinderM {
		return
	}
	fwd := *p
	fwd.Hops = p.Hops + 1
	data, err := fwd.Pack()
	if err != nil {
		return
	}
	if err := out.ProcessOutgoing(data); err != nil {
		t.logger.Debug("forward failed", "iface", out.Name(), "error", err)
	}
}

func mustPack(p *packet.Packet) []byte {
	data, err := p.Pack()
	if err != nil {
		return nil
	}
	return data
}
