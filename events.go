// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"net/netip"
)

type eventKind int

const (
	eventGatherCheck eventKind = iota + 1
	eventBindingStatus
	eventBindingReceive
	eventRelayState
	eventRelayReceive
	eventSessionComplete
	eventSessionTx
	eventSessionReceive
)

func (k eventKind) String() string {
	switch k {
	case eventGatherCheck:
		return "gather-check"
	case eventBindingStatus:
		return "binding-status"
	case eventBindingReceive:
		return "binding-receive"
	case eventRelayState:
		return "relay-state"
	case eventRelayReceive:
		return "relay-receive"
	case eventSessionComplete:
		return "session-complete"
	case eventSessionTx:
		return "session-tx"
	case eventSessionReceive:
		return "session-receive"
	default:
		return unknownStr
	}
}

// event is a collaborator callback turned into a value. Only the fields
// relevant to kind are set.
type event struct {
	kind        eventKind
	componentID int
	transportID TransportID
	err         error

	bindingOp BindingOp

	relay     *relayAdapter
	relayOld  RelayState
	relayNew  RelayState
	relayInfo RelayInfo

	sessionGen uint64

	data []byte
	addr netip.AddrPort
}

// notifier collects the work an event produces that must run without the
// transport lock: application callbacks, sends and socket closes.
type notifier struct {
	t     *Transport
	funcs []func() error
}

func (n *notifier) add(f func() error) {
	n.funcs = append(n.funcs, f)
}

// complete queues the application completion callback.
func (n *notifier) complete(op Operation, err error) {
	cb := n.t.callbacks.OnComplete
	if cb == nil {
		return
	}
	n.add(func() error {
		cb(op, err)

		return nil
	})
}

// close queues a socket close. Close errors are logged, not returned.
func (n *notifier) close(closer func() error) {
	log := n.t.log
	n.add(func() error {
		if err := closer(); err != nil {
			log.Warnf("Failed to close socket: %v", err)
		}

		return nil
	})
}

// run executes the queued work in order and returns the first error.
func (n *notifier) run() error {
	var first error
	for _, f := range n.funcs {
		if err := f(); err != nil && first == nil {
			first = err
		}
	}
	n.funcs = nil

	return first
}

// dispatch processes one collaborator callback: the transport is marked
// busy, the event is applied under the lock, then the collected work runs
// with the lock released. A Destroy requested meanwhile completes when the
// last dispatch returns.
func (t *Transport) dispatch(ev event) error {
	<-t.created

	if !t.enter() {
		return ErrTransportDestroyed
	}
	defer t.leave()

	n := &notifier{t: t}
	t.lock.Lock()
	t.log.Tracef("Handling %s event for component %d", ev.kind, ev.componentID)
	err := t.handleLocked(ev, n)
	t.lock.Unlock()

	if runErr := n.run(); err == nil {
		err = runErr
	}

	return err
}

func (t *Transport) handleLocked(ev event, n *notifier) error {
	switch ev.kind {
	case eventGatherCheck:
		t.initUpdateLocked(n)
	case eventBindingStatus:
		t.handleBindingStatusLocked(ev, n)
	case eventRelayState:
		t.handleRelayStateLocked(ev, n)
	case eventBindingReceive, eventRelayReceive:
		t.handleReceiveLocked(ev, n)
	case eventSessionComplete:
		t.handleSessionCompleteLocked(ev, n)
	case eventSessionTx:
		return t.handleSessionTxLocked(ev, n)
	case eventSessionReceive:
		if ev.sessionGen != t.sessionGen {
			return nil
		}
		if cb := t.callbacks.OnReceive; cb != nil {
			n.add(func() error {
				cb(ev.componentID, ev.data, ev.addr)

				return nil
			})
		}
	}

	return nil
}

// handleReceiveLocked routes a packet read by a component socket. With a
// session it goes through the connectivity checks, otherwise straight to
// the application.
func (t *Transport) handleReceiveLocked(ev event, n *notifier) {
	if sess := t.session; sess != nil {
		n.add(func() error {
			sess.HandlePacket(ev.componentID, ev.transportID, ev.data, ev.addr)

			return nil
		})

		return
	}
	if cb := t.callbacks.OnReceive; cb != nil {
		n.add(func() error {
			cb(ev.componentID, ev.data, ev.addr)

			return nil
		})
	}
}

// handleSessionTxLocked picks the socket the session asked to send from.
// The send itself runs after the lock is released.
func (t *Transport) handleSessionTxLocked(ev event, n *notifier) error {
	if ev.sessionGen != t.sessionGen {
		return errStaleSession
	}
	comp, err := t.componentLocked(ev.componentID)
	if err != nil {
		return err
	}

	var send func([]byte, netip.AddrPort) error
	switch ev.transportID {
	case TransportBinding:
		if comp.binding == nil {
			return errNoBindingSocket
		}
		send = comp.binding.sock.SendTo
	case TransportRelay:
		if comp.relay == nil {
			return errNoRelaySocket
		}
		send = comp.relay.sock.SendTo
	default:
		return errNoValidTransport
	}

	data, to := ev.data, ev.addr
	n.add(func() error {
		return send(data, to)
	})

	return nil
}
