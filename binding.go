// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/pion/icestream/pkg/iceerr"
)

// bindingAdapter forwards the callbacks of one component's binding socket to
// its transport. The owner is cleared before the socket is closed so late
// callbacks are dropped.
type bindingAdapter struct {
	owner       atomic.Pointer[Transport]
	componentID int
	sock        BindingSocket
}

func newBindingAdapter(t *Transport, componentID int) *bindingAdapter {
	a := &bindingAdapter{componentID: componentID}
	a.owner.Store(t)

	return a
}

func (a *bindingAdapter) socketConfig(qos QoSType) BindingSocketConfig {
	return BindingSocketConfig{
		ComponentID: a.componentID,
		QoS:         qos,
		OnStatus:    a.onStatus,
		OnReceive:   a.onReceive,
	}
}

func (a *bindingAdapter) onStatus(op BindingOp, err error) {
	t := a.owner.Load()
	if t == nil {
		return
	}
	_ = t.dispatch(event{
		kind:        eventBindingStatus,
		componentID: a.componentID,
		bindingOp:   op,
		err:         err,
	})
}

func (a *bindingAdapter) onReceive(data []byte, from netip.AddrPort) {
	t := a.owner.Load()
	if t == nil {
		return
	}
	_ = t.dispatch(event{
		kind:        eventBindingReceive,
		componentID: a.componentID,
		transportID: TransportBinding,
		data:        data,
		addr:        from,
	})
}

// detach drops the owner and returns a function closing the socket. The
// caller runs it without holding the transport lock.
func (a *bindingAdapter) detach() func() error {
	a.owner.Store(nil)
	sock := a.sock
	if sock == nil {
		return func() error { return nil }
	}

	return sock.Close
}

// handleBindingStatusLocked applies the outcome of a STUN operation to the
// component's server reflexive candidate.
func (t *Transport) handleBindingStatusLocked(ev event, n *notifier) {
	comp, err := t.componentLocked(ev.componentID)
	if err != nil || comp.binding == nil {
		return
	}
	cand := comp.firstOfType(CandidateTypeServerReflexive)
	if cand == nil {
		return
	}

	switch ev.bindingOp {
	case BindingOpDNS, BindingOpBinding:
		if ev.err != nil {
			t.bindingFailedLocked(comp, cand, ev.err, n)

			return
		}
		t.bindingSucceededLocked(comp, cand, n)
	case BindingOpMappedAddressChange, BindingOpKeepAlive:
		if ev.err != nil {
			t.keepAliveFailedLocked(comp, cand, ev.err, n)

			return
		}
		t.bindingSucceededLocked(comp, cand, n)
	}
}

// bindingSucceededLocked records the mapped address. A mapping equal to a
// host address adds nothing, so the candidate is removed instead.
func (t *Transport) bindingSucceededLocked(comp *component, cand *Candidate, n *notifier) {
	mapped, ok := comp.binding.sock.MappedAddress()
	if !ok {
		t.bindingFailedLocked(comp, cand, errNoMappedAddress, n)

		return
	}

	if host := comp.hostWithAddress(mapped); host != nil {
		t.log.Infof("Comp %d: STUN mapped address %s is a host address, srflx candidate removed", comp.id, mapped)
		comp.remove(cand.ID)
		t.initUpdateLocked(n)

		return
	}

	if cand.Status != CandidateStatusReady || cand.Address != mapped {
		t.log.Infof("Comp %d: STUN mapped address found/changed: %s", comp.id, mapped)
	}
	cand.Address = mapped
	cand.Priority = computePriority(t.typePrefs, cand.Type, cand.LocalPreference, comp.id)
	cand.Status = CandidateStatusReady
	cand.Err = nil

	if def := comp.defaultCandidate(); t.session == nil && (def == nil || def.Type == CandidateTypeHost) {
		comp.defaultID = cand.ID
	}
	t.initUpdateLocked(n)
}

// bindingFailedLocked handles a failed resolution or Binding transaction
// during gathering.
func (t *Transport) bindingFailedLocked(comp *component, cand *Candidate, cause error, n *notifier) {
	cand.Status = CandidateStatusFailed
	cand.Err = cause
	comp.invalidateDefault(cand.ID)

	if !t.config.STUN.IgnoreErrors {
		t.failLocked(OperationInit, &iceerr.InitError{
			Err: fmt.Errorf("STUN binding on component %d: %w", comp.id, cause),
		}, n)

		return
	}
	t.log.Warnf("Comp %d: STUN binding failed, continuing without srflx candidate: %v", comp.id, cause)
	t.initUpdateLocked(n)
}

// keepAliveFailedLocked handles a failed keep-alive. The candidate comes
// back when a later keep-alive succeeds.
func (t *Transport) keepAliveFailedLocked(comp *component, cand *Candidate, cause error, n *notifier) {
	cand.Status = CandidateStatusFailed
	cand.Err = cause
	comp.invalidateDefault(cand.ID)

	if t.config.STUN.IgnoreErrors {
		t.log.Warnf("Comp %d: STUN keep-alive failed: %v", comp.id, cause)
		t.initUpdateLocked(n)

		return
	}
	if !t.gathered {
		t.failLocked(OperationInit, &iceerr.InitError{
			Err: fmt.Errorf("STUN keep-alive on component %d: %w", comp.id, cause),
		}, n)

		return
	}
	t.failLocked(OperationKeepAlive, &iceerr.RuntimeError{
		Err: fmt.Errorf("STUN keep-alive on component %d: %w", comp.id, cause),
	}, n)
}
