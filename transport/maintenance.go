package transport

import (
	"context"
	"time"

	"github.com/cvsouth/meshwire/destination"
	"github.com/cvsouth/meshwire/link"
	"github.com/cvsouth/meshwire/packet"
)

// job names, used as keys into lastRun for independent interval tracking
// so an external caller driving RunMaintenanceJobs directly (Android
// WorkManager, a test) never needs to debounce itself (§9 open question 1).
const (
	jobPathCull       = "path_cull"
	jobHashlistRotate = "hashlist_rotate"
	jobAnnounceDrain  = "announce_drain"
	jobLinkWatchdog   = "link_watchdog"
	jobReceiptCull    = "receipt_cull"
	jobTunnelSynth    = "tunnel_synth"
	jobPersist        = "persist"
	jobKnownDestCull  = "known_dest_cull"
	jobSpeedAccount   = "speed_account"
	jobRatchetRotate  = "ratchet_rotate"
)

// maintenanceLoop drives the periodic jobs from a single ticker, honoring
// the power-saving collaborator's throttle signals on every tick (§4.3,
// §5). It is the sole owner of cross-table scheduling; individual jobs
// still take their own table locks.
func (t *Transport) maintenanceLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.RunMaintenanceJobs(now)
		}
	}
}

// RunMaintenanceJobs runs every job whose interval has elapsed since its
// own last run. It is exported so an external scheduler (a platform timer,
// a test) can drive maintenance directly instead of the internal ticker;
// calling it more often than a job's interval is harmless.
func (t *Transport) RunMaintenanceJobs(now time.Time) {
	mult := t.cfg.PowerSaving.ThrottleMultiplier()
	if mult < 1 {
		mult = 1
	}
	throttle := t.cfg.PowerSaving.ShouldThrottle()
	linkMult := 1.0
	if throttle {
		linkMult = mult
	}

	t.runJob(jobPathCull, t.cfg.TickInterval, mult, now, func() { t.paths.cull(now) })
	t.runJob(jobHashlistRotate, hashlistRotationInterval, mult, now, t.dedup.rotate)
	t.runJob(jobAnnounceDrain, t.cfg.TickInterval, mult, now, func() { t.drainAnnounceQueues(throttle) })
	t.runJob(jobLinkWatchdog, t.cfg.TickInterval, mult, now, func() { t.runLinkWatchdog(now, linkMult) })
	t.runJob(jobReceiptCull, t.cfg.TickInterval, mult, now, func() { t.receipts.cullTimedOut(now) })
	t.runJob(jobTunnelSynth, tunnelSynthesisInterval, mult, now, t.synthesizeTunnels)
	t.runJob(jobPersist, pathTablePersistInterval, mult, now, func() {
		if err := t.persist(); err != nil {
			t.logger.Warn("periodic persist failed", "error", err)
		}
	})
	t.runJob(jobKnownDestCull, knownDestCullInterval, mult, now, func() { t.known.cull(knownDestinationMaxAge, now) })
	t.runJob(jobSpeedAccount, t.cfg.TickInterval, mult, now, func() { t.accountSpeed() })
	t.runJob(jobRatchetRotate, destination.RatchetRotationEvery, mult, now, func() { t.rotateRatchets(now) })
}

// rotateRatchets rotates and expires the ratchet store of every locally
// owned SINGLE, IN destination. The rotated public key is only published on
// the destination's next Announce call; this job never announces on its
// own (§4.4: "the new public is published in the next ANNOUNCE").
func (t *Transport) rotateRatchets(now time.Time) {
	t.destMu.RLock()
	dests := make([]*destination.Destination, 0, len(t.dests))
	for _, h := range t.dests {
		dests = append(dests, h.Destination)
	}
	t.destMu.RUnlock()

	for _, d := range dests {
		if d.Type != destination.Single || d.Direction != destination.In {
			continue
		}
		if _, err := d.Ratchets().Rotate(now); err != nil {
			t.logger.Warn("ratchet rotation failed", "destination", d.DestinationHash, "error", err)
		}
		d.Ratchets().Expire(now)
	}
}

// runJob checks name's own interval (scaled by mult) against its last-run
// timestamp and invokes fn if due, recording now as the new last-run time.
func (t *Transport) runJob(name string, interval time.Duration, mult float64, now time.Time, fn func()) {
	effective := time.Duration(float64(interval) * mult)
	t.lastRunMu.Lock()
	last, ok := t.lastRun[name]
	due := !ok || now.Sub(last) >= effective
	if due {
		t.lastRun[name] = now
	}
	t.lastRunMu.Unlock()
	if due {
		fn()
	}
}

// drainAnnounceQueues sends whatever each interface's announce queue's
// token bucket permits this tick. When should_throttle is set the cap is
// halved for the duration of this call (§4.3).
func (t *Transport) drainAnnounceQueues(throttle bool) {
	t.ifacesMu.RLock()
	defer t.ifacesMu.RUnlock()
	for name, out := range t.ifaces {
		q, ok := t.queues[name]
		if !ok {
			continue
		}
		if throttle {
			q.setThrottle(true, out.Bitrate())
		} else {
			q.setThrottle(false, out.Bitrate())
		}
		if !out.Online() {
			continue
		}
		for _, data := range q.drain() {
			if err := out.ProcessOutgoing(data); err != nil {
				t.logger.Debug("announce drain send failed", "iface", name, "error", err)
			}
		}
	}
}

// runLinkWatchdog progresses every locally terminated link's keepalive
// state machine by one tick, sending keepalives and dropping closed links
// from the tracked set (§4.4). Under should_throttle, the stale/keepalive
// windows are extended by mult as the power-saving signal specifies.
func (t *Transport) runLinkWatchdog(now time.Time, mult float64) {
	t.linkTab.cullExpiredProofs(now)

	t.linksMu.Lock()
	links := make(map[[16]byte]*link.Link, len(t.links))
	for k, v := range t.links {
		links[k] = v
	}
	t.linksMu.Unlock()

	for id, l := range links {
		l.CullTimedOutRequests(now)
		if l.CheckEstablishmentTimeout(now) {
			t.dropLink(id)
			continue
		}
		sendKeepalive, closed := l.Watchdog(now, mult)
		if closed {
			t.dropLink(id)
			continue
		}
		if sendKeepalive {
			t.sendKeepalive(l)
		}
	}
}

// sendKeepalive emits an empty DATA packet addressed to l's link id,
// encrypted under the link session keys, to reset the peer's stale
// timer (§4.4).
func (t *Transport) sendKeepalive(l *link.Link) {
	ct, err := l.Encrypt(nil)
	if err != nil {
		t.logger.Debug("keepalive encrypt failed", "link_id", l.ID, "error", err)
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
		t.logger.Debug("keepalive send failed", "link_id", l.ID, "error", err)
	}
}

func (t *Transport) dropLink(id [16]byte) {
	t.linksMu.Lock()
	delete(t.links, id)
	delete(t.linkIfaces, id)
	t.linksMu.Unlock()
	t.linkTab.remove(id)
}

// accountSpeed is a hook for per-interface in-flight byte counters; actual
// counting happens inline in RecordTx/RecordRx on the iface.Base
// scaffolding, so this job currently has nothing further to accumulate. It
// is kept as an explicit step so future budget logic has a single place to
// live, matching the nine-job enumeration in §4.3.
func (t *Transport) accountSpeed() {}
