// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/pion/icestream/pkg/iceerr"
)

// relayAdapter forwards the callbacks of one TURN allocation to its
// transport. A new adapter is created for every allocation attempt so
// events from a replaced allocation can be told apart.
type relayAdapter struct {
	owner       atomic.Pointer[Transport]
	componentID int
	sock        RelaySocket
}

func newRelayAdapter(t *Transport, componentID int) *relayAdapter {
	a := &relayAdapter{componentID: componentID}
	a.owner.Store(t)

	return a
}

func (a *relayAdapter) onState(oldState, newState RelayState, info RelayInfo) {
	t := a.owner.Load()
	if t == nil {
		return
	}
	_ = t.dispatch(event{
		kind:        eventRelayState,
		componentID: a.componentID,
		relay:       a,
		relayOld:    oldState,
		relayNew:    newState,
		relayInfo:   info,
	})
}

func (a *relayAdapter) onReceive(data []byte, from netip.AddrPort) {
	t := a.owner.Load()
	if t == nil {
		return
	}
	_ = t.dispatch(event{
		kind:        eventRelayReceive,
		componentID: a.componentID,
		transportID: TransportRelay,
		data:        data,
		addr:        from,
	})
}

// detach drops the owner and returns a function closing the allocation.
func (a *relayAdapter) detach() func() error {
	a.owner.Store(nil)
	sock := a.sock
	if sock == nil {
		return func() error { return nil }
	}

	return sock.Close
}

// startRelayLocked creates a new allocation for comp. The relayed candidate
// is created on the first call and set back to pending on later ones, so
// the gathering gate waits for it.
func (t *Transport) startRelayLocked(comp *component, n *notifier) error {
	cand := comp.firstOfType(CandidateTypeRelay)
	if cand == nil {
		var err error
		cand, err = comp.add(Candidate{
			Type:            CandidateTypeRelay,
			Status:          CandidateStatusPending,
			TransportID:     TransportRelay,
			LocalPreference: maxLocalPreference,
		})
		if err != nil {
			return err
		}
	} else {
		cand.Status = CandidateStatusPending
		cand.Err = nil
		comp.invalidateDefault(cand.ID)
	}

	adapter := newRelayAdapter(t, comp.id)
	sock, err := t.relayFactory(RelaySocketConfig{
		ComponentID:   comp.id,
		Server:        withDefaultPort(t.config.TURN.Server),
		Network:       t.config.TURN.network(),
		Username:      t.config.TURN.Username,
		Password:      t.config.TURN.Password,
		Realm:         t.config.TURN.Realm,
		QoS:           comp.qos,
		LoggerFactory: t.loggerFactory,
		OnState:       adapter.onState,
		OnReceive:     adapter.onReceive,
	})
	if err != nil {
		adapter.owner.Store(nil)
		cand.Status = CandidateStatusFailed
		cand.Err = err

		return err
	}
	adapter.sock = sock
	comp.relay = adapter

	if err := sock.Allocate(); err != nil {
		n.close(adapter.detach())
		comp.relay = nil
		cand.Status = CandidateStatusFailed
		cand.Err = err

		return err
	}
	t.log.Debugf("Comp %d: TURN allocation on %s started", comp.id, t.config.TURN.Server)

	return nil
}

// handleRelayStateLocked applies an allocation state change. Loss is
// retried once after gathering completed; a second consecutive loss is
// reported as a keep-alive failure.
func (t *Transport) handleRelayStateLocked(ev event, n *notifier) {
	comp, err := t.componentLocked(ev.componentID)
	if err != nil || comp.relay != ev.relay {
		return
	}
	cand := comp.firstOfType(CandidateTypeRelay)
	if cand == nil {
		return
	}

	switch {
	case ev.relayNew == RelayStateReady:
		comp.relayLosses = 0
		info := ev.relayInfo
		cand.Address = info.RelayedAddress
		cand.Base = info.RelayedAddress
		cand.Related = info.MappedAddress
		cand.Foundation = computeFoundation(cand.Type, cand.Base.Addr(), cand.TransportID)
		cand.Priority = computePriority(t.typePrefs, cand.Type, cand.LocalPreference, comp.id)
		cand.Status = CandidateStatusReady
		cand.Err = nil
		if t.session == nil {
			comp.defaultID = cand.ID
		}
		t.log.Infof("Comp %d: TURN allocation complete, relay address is %s", comp.id, cand.Address)
		t.initUpdateLocked(n)

	case ev.relayNew.isLoss():
		comp.relayLosses++
		n.close(comp.relay.detach())
		comp.relay = nil

		cause := ev.relayInfo.LastErr
		if cause == nil {
			cause = errRelayDeallocated
		}
		t.log.Warnf("Comp %d: TURN allocation lost in state %s: %v", comp.id, ev.relayOld, cause)

		switch {
		case !t.gathered:
			t.relayFailedLocked(comp, cand, cause)
			t.failLocked(OperationInit, &iceerr.InitError{
				Err: fmt.Errorf("%w: %w", errRelayAllocationFailed, cause),
			}, n)
		case comp.relayLosses > 1:
			t.relayFailedLocked(comp, cand, cause)
			t.failLocked(OperationKeepAlive, &iceerr.RuntimeError{
				Err: fmt.Errorf("%w: %w", ErrRelayLost, cause),
			}, n)
		default:
			t.log.Infof("Comp %d: retrying TURN allocation", comp.id)
			if err := t.startRelayLocked(comp, n); err != nil {
				t.relayFailedLocked(comp, cand, err)
				t.failLocked(OperationKeepAlive, &iceerr.RuntimeError{
					Err: fmt.Errorf("%w: %w", ErrRelayLost, err),
				}, n)
			}
		}
	}
}

func (t *Transport) relayFailedLocked(comp *component, cand *Candidate, err error) {
	cand.Status = CandidateStatusFailed
	cand.Err = err
	comp.invalidateDefault(cand.ID)
}
