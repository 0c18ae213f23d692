package mesh

// Link recovery policy, driven by the connectivity signals the engine
// reports per link:
//
//   - stuck in checking past CheckingTimeout: restart ICE, re-offer
//   - ICE failed: wait ICERestartDelay, restart ICE, re-offer
//   - connection failed: wait RebuildDelay, tear down and recreate the
//     link, provided the remote is still a member and media is active
//
// Offers only ever originate from the designated offerer, so the answering
// side's recovery is to rebuild silently and wait for the re-offer. Each
// recovery action spends one unit of the link's bounded attempt budget;
// an exhausted budget ends the link for good.

func (o *Orchestrator) onConnectivity(peerID string, gen uint64, conn Connectivity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pl, ok := o.links[peerID]
	if !ok || pl.gen != gen || pl.state == StateClosed || pl.state == StateLinkFailed {
		return
	}

	switch conn {
	case ConnectivityConnected:
		pl.attempts = 0
		if t, ok := pl.timers["checking"]; ok {
			t.Stop()
			delete(pl.timers, "checking")
		}
		o.setStateLocked(pl, StateConnected)

	case ConnectivityChecking:
		o.armTimerLocked(pl, "checking", o.cfg.CheckingTimeout, o.stuckCheckingLocked)

	case ConnectivityICEFailed:
		o.setStateLocked(pl, StateFailed)
		if !o.spendAttemptLocked(pl) {
			return
		}
		o.setStateLocked(pl, StateReconnecting)
		if pl.offerer {
			o.armTimerLocked(pl, "recover", o.cfg.ICERestartDelay, o.restartICELocked)
		}

	case ConnectivityConnectionFailed:
		o.setStateLocked(pl, StateFailed)
		if !o.spendAttemptLocked(pl) {
			return
		}
		o.setStateLocked(pl, StateReconnecting)
		o.armTimerLocked(pl, "recover", o.cfg.RebuildDelay, o.rebuildLocked)

	case ConnectivityClosed:
		// Teardown paths already account for this.
	}
}

func (o *Orchestrator) stuckCheckingLocked(pl *peerLink) {
	if pl.state == StateConnected || pl.state == StateClosed || pl.state == StateLinkFailed {
		return
	}
	o.log.Warn("link stuck in checking", "peer", pl.peerID)
	if !o.spendAttemptLocked(pl) {
		return
	}
	o.setStateLocked(pl, StateReconnecting)
	if pl.offerer {
		o.restartICELocked(pl)
	}
}

// spendAttemptLocked charges one recovery attempt; when the budget is gone
// the link transitions to its terminal failure and false is returned.
func (o *Orchestrator) spendAttemptLocked(pl *peerLink) bool {
	pl.attempts++
	if pl.attempts > o.cfg.MaxAttempts {
		o.log.Error("link recovery budget exhausted",
			"peer", pl.peerID, "attempts", pl.attempts-1)
		o.failLocked(pl)
		return false
	}
	return true
}

// restartICELocked refreshes ICE credentials and schedules the resulting
// offer after OfferAfterRestart, giving the transport a beat to settle.
func (o *Orchestrator) restartICELocked(pl *peerLink) {
	offer, err := pl.link.RestartICE()
	if err != nil {
		o.log.Error("ice restart failed", "peer", pl.peerID, "err", err)
		o.failLocked(pl)
		return
	}
	o.armTimerLocked(pl, "restart-offer", o.cfg.OfferAfterRestart, func(pl *peerLink) {
		if pl.state == StateClosed || pl.state == StateLinkFailed {
			return
		}
		o.setStateLocked(pl, StateNegotiating)
		peerID := pl.peerID
		o.deliver(func() error { return o.cfg.Signaler.SendOffer(peerID, offer) }, pl, "restart offer")
	})
}

// rebuildLocked replaces a dead link with a fresh one, carrying the attempt
// count across so a flapping peer still runs out of budget.
func (o *Orchestrator) rebuildLocked(pl *peerLink) {
	if !o.cfg.RemoteIsMember(pl.peerID) || !o.cfg.MediaActive() {
		o.log.Info("skipping rebuild", "peer", pl.peerID,
			"member", o.cfg.RemoteIsMember(pl.peerID))
		o.teardownLocked(pl, StateClosed)
		delete(o.links, pl.peerID)
		return
	}
	o.log.Info("rebuilding link", "peer", pl.peerID, "attempt", pl.attempts)
	attempts := pl.attempts
	o.teardownLocked(pl, StateClosed)
	delete(o.links, pl.peerID)

	fresh, err := o.createLinkLocked(pl.peerID)
	if err != nil {
		o.log.Error("rebuild failed", "peer", pl.peerID, "err", err)
		return
	}
	fresh.attempts = attempts
	if fresh.offerer {
		o.armTimerLocked(fresh, "offer", o.cfg.SettleDelay, o.sendOfferLocked)
	}
}
