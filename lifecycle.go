// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"github.com/pion/icestream/internal/util"
	"github.com/pion/icestream/pkg/iceerr"
)

// enter marks a callback in flight. It fails once Destroy was requested.
func (t *Transport) enter() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.destroyReq {
		return false
	}
	t.busy++

	return true
}

// leave ends a callback. The last one out completes a deferred Destroy.
func (t *Transport) leave() {
	t.lock.Lock()
	t.busy--
	if t.busy > 0 || !t.destroyReq || t.destroyed {
		t.lock.Unlock()

		return
	}
	teardown := t.teardownLocked()
	t.lock.Unlock()

	if err := teardown(); err != nil {
		t.log.Warnf("Deferred destroy: %v", err)
	}
}

// Destroy releases the session and every socket. It returns nil when the
// transport was torn down before returning, and ErrDestroyPending when a
// callback is running; the teardown then happens when it returns. No
// callback is invoked once Destroy has been called.
func (t *Transport) Destroy() error {
	t.lock.Lock()
	if t.destroyReq {
		t.lock.Unlock()

		return &iceerr.InvalidStateError{Err: ErrTransportDestroyed}
	}
	t.destroyReq = true

	if t.busy > 0 {
		t.lock.Unlock()
		t.log.Debug("Destroy deferred until callbacks return")

		return ErrDestroyPending
	}
	teardown := t.teardownLocked()
	t.lock.Unlock()

	return teardown()
}

// teardownLocked detaches every collaborator and returns a function that
// closes them. The caller runs it without the lock.
func (t *Transport) teardownLocked() func() error {
	t.destroyed = true
	t.state = TransportStateNull
	t.log.Info("Destroying ICE transport")

	var closers []func() error
	if t.session != nil {
		closers = append(closers, t.session.Close)
		t.session = nil
		t.sessionGen++
	}
	for _, comp := range t.components {
		if comp.relay != nil {
			closers = append(closers, comp.relay.detach())
			comp.relay = nil
		}
		if comp.binding != nil {
			closers = append(closers, comp.binding.detach())
			comp.binding = nil
		}
	}

	return func() error {
		errs := make([]error, 0, len(closers))
		for _, closer := range closers {
			errs = append(errs, closer())
		}

		return util.FlattenErrs(errs)
	}
}

// initUpdateLocked fires the gathering completion once no candidate of any
// component is pending.
func (t *Transport) initUpdateLocked(n *notifier) {
	if t.cbCalled {
		return
	}
	for _, comp := range t.components {
		if comp.hasPending() {
			return
		}
	}

	t.cbCalled = true
	t.gathered = true
	if t.state < TransportStateReady {
		t.state = TransportStateReady
	}
	t.log.Info("ICE candidate gathering complete")
	n.complete(OperationInit, nil)
}

// failLocked reports a failure to the application. An init failure is
// reported at most once and never after gathering completed.
func (t *Transport) failLocked(op Operation, err error, n *notifier) {
	if op == OperationInit && t.cbCalled {
		t.log.Debugf("Dropping %s failure, completion already reported: %v", op, err)

		return
	}
	t.cbCalled = true
	t.log.Warnf("ICE %s failed: %v", op, err)
	n.complete(op, err)
}
