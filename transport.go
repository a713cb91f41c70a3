// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/icestream/internal/util"
	"github.com/pion/icestream/pkg/iceerr"
	"github.com/pion/logging"
)

// Callbacks receive the asynchronous results of a Transport. They are
// never invoked with the transport lock held, so they may call any
// Transport method, Destroy included.
type Callbacks struct {
	// OnComplete reports the end of gathering (OperationInit), of
	// connectivity checks (OperationNegotiation) or the loss of a
	// resource afterwards (OperationKeepAlive). A nil err means success.
	OnComplete func(op Operation, err error)
	// OnReceive delivers application data received on a component.
	OnReceive func(componentID int, data []byte, from netip.AddrPort)
}

// Credentials are an ICE username fragment and password.
type Credentials struct {
	Ufrag string
	Pwd   string
}

// Transport gathers candidates for a set of components and runs ICE
// connectivity checks over them.
type Transport struct {
	lock sync.RWMutex

	config    Configuration
	callbacks Callbacks

	bindingFactory BindingFactory
	relayFactory   RelayFactory
	sessionFactory SessionFactory

	state      TransportState
	components []*component
	typePrefs  TypePreferences

	// cbCalled is set once gathering completion or an init failure was
	// reported.
	cbCalled bool
	// gathered is set when gathering completed successfully.
	gathered bool

	session    Session
	sessionGen uint64
	// negotiated is set once the current session reported its result.
	negotiated bool
	local      Credentials
	remote     *Credentials
	// remoteComponents is the highest component id of the remote
	// candidates given to StartICE.
	remoteComponents int
	startTime        time.Time

	busy       int
	destroyReq bool
	destroyed  bool
	// created is closed when NewTransport returns. Callbacks wait for it.
	created chan struct{}

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

// NewTransport creates a Transport and starts gathering candidates for
// every component. Gathering completion is reported through
// Callbacks.OnComplete with OperationInit, never before NewTransport
// returns.
func (a *API) NewTransport(config Configuration, callbacks Callbacks) (*Transport, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	bindingFactory, relayFactory, sessionFactory, err := a.collaborators()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		config:         config,
		callbacks:      callbacks,
		bindingFactory: bindingFactory,
		relayFactory:   relayFactory,
		sessionFactory: sessionFactory,
		typePrefs:      standardTypePreferences,
		created:        make(chan struct{}),
		loggerFactory:  a.settingEngine.LoggerFactory,
		log:            a.settingEngine.LoggerFactory.NewLogger("icestream"),
	}
	defer close(t.created)

	n := &notifier{t: t}
	t.lock.Lock()
	t.state = TransportStateInit
	for id := 1; id <= config.ComponentCount; id++ {
		if err := t.createComponentLocked(id, n); err != nil {
			t.destroyReq = true
			teardown := t.teardownLocked()
			t.lock.Unlock()
			_ = n.run()
			if closeErr := teardown(); closeErr != nil {
				t.log.Warnf("Failed to close sockets: %v", closeErr)
			}

			return nil, &iceerr.InitError{Err: err}
		}
	}
	pending := false
	for _, comp := range t.components {
		pending = pending || comp.hasPending()
	}
	t.lock.Unlock()
	_ = n.run()

	// Otherwise a STUN or TURN result completes gathering.
	if !pending {
		go func() {
			_ = t.dispatch(event{kind: eventGatherCheck})
		}()
	}

	return t, nil
}

// createComponentLocked opens the sockets of one component and registers
// its initial candidates.
func (t *Transport) createComponentLocked(id int, n *notifier) error {
	comp := newComponent(id, t.config.componentQoS(id))
	t.components = append(t.components, comp)

	stunServer := withDefaultPort(t.config.STUN.Server)
	if stunServer != "" || t.config.STUN.MaxHostCandidates > 0 {
		if err := t.startBindingLocked(comp, stunServer); err != nil {
			return err
		}
	}

	if t.config.TURN.Server != "" {
		if err := t.startRelayLocked(comp, n); err != nil {
			return err
		}
	}

	return nil
}

func (t *Transport) startBindingLocked(comp *component, stunServer string) error {
	adapter := newBindingAdapter(t, comp.id)
	sock, err := t.bindingFactory(adapter.socketConfig(comp.qos))
	if err != nil {
		adapter.owner.Store(nil)

		return err
	}
	adapter.sock = sock
	comp.binding = adapter
	aliases := sock.LocalAliases()

	if stunServer != "" {
		base := firstUsableAlias(aliases)
		srflx, err := comp.add(Candidate{
			Type:            CandidateTypeServerReflexive,
			Status:          CandidateStatusPending,
			TransportID:     TransportBinding,
			Base:            base,
			Related:         base,
			LocalPreference: maxLocalPreference,
		})
		if err != nil {
			return err
		}
		srflx.Foundation = computeFoundation(srflx.Type, base.Addr(), srflx.TransportID)
		comp.defaultID = srflx.ID

		if err := sock.Start(stunServer); err != nil {
			if !t.config.STUN.IgnoreErrors {
				return err
			}
			t.log.Warnf("Comp %d: STUN binding to %s failed to start: %v", comp.id, stunServer, err)
			srflx.Status = CandidateStatusFailed
			srflx.Err = err
			comp.invalidateDefault(srflx.ID)
		} else {
			t.log.Debugf("Comp %d: srflx candidate discovery started on %s", comp.id, stunServer)
		}
	}

	hosts := 0
	for _, alias := range aliases {
		if hosts >= t.config.STUN.MaxHostCandidates {
			break
		}
		if alias.Addr().IsLoopback() && !t.config.STUN.IncludeLoopback {
			continue
		}
		// One slot stays free for the relayed candidate.
		if len(comp.order) >= maxCandidatesPerComponent-1 {
			t.log.Warnf("Comp %d: too many host candidates, %s skipped", comp.id, alias)

			break
		}
		host, err := comp.add(Candidate{
			Type:            CandidateTypeHost,
			Status:          CandidateStatusReady,
			TransportID:     TransportBinding,
			Address:         alias,
			Base:            alias,
			LocalPreference: uint16(maxLocalPreference - hosts), //nolint:gosec // G115
		})
		if err != nil {
			return err
		}
		host.Foundation = computeFoundation(host.Type, alias.Addr(), host.TransportID)
		host.Priority = computePriority(t.typePrefs, host.Type, host.LocalPreference, comp.id)
		hosts++
		if comp.defaultID == 0 {
			comp.defaultID = host.ID
		}
		t.log.Infof("Comp %d: host candidate %s added", comp.id, alias)
	}

	return nil
}

// firstUsableAlias prefers a non-loopback address as the base of the
// server reflexive candidate.
func firstUsableAlias(aliases []netip.AddrPort) netip.AddrPort {
	for _, alias := range aliases {
		if !alias.Addr().IsLoopback() {
			return alias
		}
	}
	if len(aliases) > 0 {
		return aliases[0]
	}

	return netip.AddrPort{}
}

func (t *Transport) componentLocked(componentID int) (*component, error) {
	if componentID < 1 || componentID > len(t.components) {
		return nil, &iceerr.InvalidArgumentError{Err: fmt.Errorf("%w: %d", ErrUnknownComponent, componentID)}
	}

	return t.components[componentID-1], nil
}

// usableLocked rejects calls made after Destroy.
func (t *Transport) usableLocked() error {
	if t.destroyReq {
		return &iceerr.InvalidStateError{Err: ErrTransportDestroyed}
	}

	return nil
}

// State returns the current state of the transport.
func (t *Transport) State() TransportState {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.state
}

// ComponentCount returns the number of components.
func (t *Transport) ComponentCount() int {
	return t.config.ComponentCount
}

// RunningComponentCount returns the number of components taking part in
// negotiation. Once checks started it is bounded by the highest component
// id among the remote candidates.
func (t *Transport) RunningComponentCount() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.session != nil && t.remote != nil {
		return t.remoteComponents
	}

	return len(t.components)
}

// InitICE creates the connectivity-check session and registers every ready
// candidate in it. Empty credentials are generated.
func (t *Transport) InitICE(role Role, ufrag, pwd string) error {
	if role != RoleControlling && role != RoleControlled {
		return &iceerr.InvalidArgumentError{Err: fmt.Errorf("%w: %s", ErrInvalidRole, role)}
	}

	var err error
	if ufrag == "" {
		if ufrag, err = util.GenerateUFrag(); err != nil {
			return err
		}
	}
	if pwd == "" {
		if pwd, err = util.GeneratePwd(); err != nil {
			return err
		}
	}

	t.lock.Lock()
	if err = t.usableLocked(); err != nil {
		t.lock.Unlock()

		return err
	}
	if t.session != nil {
		t.lock.Unlock()

		return &iceerr.InvalidStateError{Err: ErrSessionExists}
	}
	first := t.components[0]
	if len(first.ready()) == 0 {
		t.lock.Unlock()

		return &iceerr.InvalidStateError{Err: ErrNoReadyCandidate}
	}

	prefs := standardTypePreferences
	if def := first.defaultCandidate(); def != nil && def.Type == CandidateTypeServerReflexive {
		prefs = reflexiveFirstTypePreferences
	}

	t.sessionGen++
	gen := t.sessionGen
	sess, err := t.sessionFactory(SessionConfig{
		Role:           role,
		ComponentCount: len(t.components),
		LocalUfrag:     ufrag,
		LocalPwd:       pwd,
		Options:        t.config.SessionOptions,
		LoggerFactory:  t.loggerFactory,
		OnComplete: func(err error) {
			_ = t.dispatch(event{kind: eventSessionComplete, sessionGen: gen, err: err})
		},
		OnTx: func(componentID int, transportID TransportID, data []byte, to netip.AddrPort) error {
			return t.dispatch(event{
				kind:        eventSessionTx,
				sessionGen:  gen,
				componentID: componentID,
				transportID: transportID,
				data:        data,
				addr:        to,
			})
		},
		OnRx: func(componentID int, transportID TransportID, data []byte, from netip.AddrPort) {
			_ = t.dispatch(event{
				kind:        eventSessionReceive,
				sessionGen:  gen,
				componentID: componentID,
				transportID: transportID,
				data:        data,
				addr:        from,
			})
		},
	})
	if err != nil {
		t.lock.Unlock()

		return err
	}

	t.typePrefs = prefs
	for _, comp := range t.components {
		for _, id := range comp.order {
			cand := comp.candidates[id]
			if cand.Status != CandidateStatusReady {
				t.log.Debugf("Comp %d: %s candidate not registered (%s)", comp.id, cand.Type, cand.Status)

				continue
			}
			cand.Priority = computePriority(prefs, cand.Type, cand.LocalPreference, comp.id)
			if err = sess.AddCandidate(*cand); err != nil {
				t.lock.Unlock()
				if closeErr := sess.Close(); closeErr != nil {
					t.log.Warnf("Failed to close ICE session: %v", closeErr)
				}

				return err
			}
		}
	}

	t.session = sess
	t.negotiated = false
	t.local = Credentials{Ufrag: ufrag, Pwd: pwd}
	t.remote = nil
	t.state = TransportStateSessionReady
	t.log.Infof("ICE session initialized as %s", role)
	t.lock.Unlock()

	return nil
}

// StartICE starts connectivity checks against the remote candidates. On
// failure the session is stopped.
func (t *Transport) StartICE(remoteUfrag, remotePwd string, remote []Candidate) error {
	if remoteUfrag == "" || remotePwd == "" {
		return &iceerr.InvalidArgumentError{Err: ErrNoRemoteCredentials}
	}
	if len(remote) == 0 {
		return &iceerr.InvalidArgumentError{Err: ErrNoRemoteCandidates}
	}

	t.lock.Lock()
	if err := t.usableLocked(); err != nil {
		t.lock.Unlock()

		return err
	}
	sess := t.session
	if sess == nil {
		t.lock.Unlock()

		return &iceerr.InvalidStateError{Err: ErrNoSession}
	}
	if t.remote != nil {
		t.lock.Unlock()

		return &iceerr.InvalidStateError{Err: ErrChecksStarted}
	}

	t.startTime = time.Now()
	if err := sess.CreateCheckList(remoteUfrag, remotePwd, remote); err != nil {
		return t.abortStartLocked(err)
	}
	t.remote = &Credentials{Ufrag: remoteUfrag, Pwd: remotePwd}
	t.remoteComponents = 0

	peers := map[int][]netip.AddrPort{}
	for _, r := range remote {
		if r.ComponentID < 1 || r.ComponentID > len(t.components) {
			continue
		}
		peers[r.ComponentID] = append(peers[r.ComponentID], r.Address)
		t.remoteComponents = max(t.remoteComponents, r.ComponentID)
	}

	type permission struct {
		componentID int
		sock        RelaySocket
		peers       []netip.AddrPort
	}
	var permissions []permission
	for _, comp := range t.components {
		relayCand := comp.firstOfType(CandidateTypeRelay)
		if comp.relay == nil || relayCand == nil || relayCand.Status != CandidateStatusReady {
			continue
		}
		if len(peers[comp.id]) > 0 {
			permissions = append(permissions, permission{comp.id, comp.relay.sock, peers[comp.id]})
		}
	}
	gen := t.sessionGen
	t.lock.Unlock()

	// Permissions may need a round-trip to the TURN server.
	for _, p := range permissions {
		if err := p.sock.SetPermissions(p.peers); err != nil {
			t.lock.Lock()
			if t.sessionGen != gen {
				t.lock.Unlock()

				return &iceerr.InvalidStateError{Err: errStaleSession}
			}

			return t.abortStartLocked(fmt.Errorf("TURN permissions on component %d: %w", p.componentID, err))
		}
	}

	t.lock.Lock()
	if t.sessionGen != gen || t.destroyReq {
		t.lock.Unlock()

		return &iceerr.InvalidStateError{Err: errStaleSession}
	}
	if err := sess.StartChecks(); err != nil {
		return t.abortStartLocked(err)
	}
	t.state = TransportStateNegotiating
	t.log.Infof("ICE connectivity checks started with %d remote candidates", len(remote))
	t.lock.Unlock()

	return nil
}

// abortStartLocked stops the session after StartICE failed, releases the
// lock and returns err.
func (t *Transport) abortStartLocked(err error) error {
	t.log.Warnf("Failed to start ICE checks: %v", err)
	closer := t.stopICELocked()
	t.lock.Unlock()
	if closeErr := closer(); closeErr != nil {
		t.log.Warnf("Failed to close ICE session: %v", closeErr)
	}

	return err
}

// StopICE releases the session. Candidates and sockets are kept, so a new
// session can be created with InitICE.
func (t *Transport) StopICE() error {
	t.lock.Lock()
	if err := t.usableLocked(); err != nil {
		t.lock.Unlock()

		return err
	}
	closer := t.stopICELocked()
	t.lock.Unlock()

	return closer()
}

func (t *Transport) stopICELocked() func() error {
	sess := t.session
	if sess == nil {
		return func() error { return nil }
	}
	t.session = nil
	t.sessionGen++
	t.negotiated = false
	t.remote = nil
	t.remoteComponents = 0
	t.typePrefs = standardTypePreferences
	t.state = TransportStateInit
	t.log.Info("ICE session stopped")

	return sess.Close
}

// handleSessionCompleteLocked records the negotiation result. Components
// whose valid pair runs over the relay get a channel bound to the peer.
func (t *Transport) handleSessionCompleteLocked(ev event, n *notifier) {
	if ev.sessionGen != t.sessionGen || t.session == nil || t.negotiated {
		return
	}
	t.negotiated = true
	sess := t.session
	elapsed := time.Since(t.startTime)

	if ev.err != nil {
		t.state = TransportStateFailed
		t.log.Warnf("ICE negotiation failed after %s: %v", elapsed, ev.err)
		n.complete(OperationNegotiation, &iceerr.NegotiationError{Err: ev.err})

		return
	}

	for _, comp := range t.components {
		pair, ok := sess.ValidPair(comp.id)
		if !ok || pair.Local.TransportID != TransportRelay || comp.relay == nil {
			continue
		}
		sock, peer, id := comp.relay.sock, pair.Remote.Address, comp.id
		log := t.log
		n.add(func() error {
			if err := sock.BindChannel(peer); err != nil {
				log.Warnf("Comp %d: failed to bind TURN channel to %s: %v", id, peer, err)
			}

			return nil
		})
	}
	t.state = TransportStateRunning
	t.log.Infof("ICE negotiation success after %s", elapsed)
	n.complete(OperationNegotiation, nil)
}

// SendTo sends data on a component. While a session is active and has not
// failed the data goes over its valid pair. Otherwise it is sent from the
// component's default candidate.
func (t *Transport) SendTo(componentID int, data []byte, to netip.AddrPort) error {
	if len(data) == 0 {
		return &iceerr.InvalidArgumentError{Err: ErrEmptyPayload}
	}

	t.lock.Lock()
	if err := t.usableLocked(); err != nil {
		t.lock.Unlock()

		return err
	}
	comp, err := t.componentLocked(componentID)
	if err != nil {
		t.lock.Unlock()

		return err
	}
	def := comp.defaultCandidate()
	if def == nil {
		t.lock.Unlock()

		return &iceerr.InvalidStateError{Err: ErrNoDefaultCandidate}
	}

	if sess := t.session; sess != nil && t.state < TransportStateFailed {
		t.lock.Unlock()

		return sess.SendData(componentID, data)
	}

	if def.Status != CandidateStatusReady {
		t.lock.Unlock()

		return &iceerr.InvalidStateError{Err: ErrNoDefaultCandidate}
	}
	var send func([]byte, netip.AddrPort) error
	switch {
	case def.TransportID == TransportRelay && comp.relay != nil:
		send = comp.relay.sock.SendTo
	case def.TransportID == TransportBinding && comp.binding != nil:
		send = comp.binding.sock.SendTo
	default:
		t.lock.Unlock()

		return &iceerr.InvalidStateError{Err: ErrNoTransport}
	}
	t.lock.Unlock()

	return send(data, to)
}

// Candidates returns the local candidates of a component. Once a session
// exists these are the candidates registered in it.
func (t *Transport) Candidates(componentID int) ([]Candidate, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if err := t.usableLocked(); err != nil {
		return nil, err
	}
	comp, err := t.componentLocked(componentID)
	if err != nil {
		return nil, err
	}
	if t.session != nil {
		return t.session.Candidates(componentID), nil
	}

	return comp.snapshot(), nil
}

// CandidateCount returns the number of candidates Candidates would return.
func (t *Transport) CandidateCount(componentID int) (int, error) {
	candidates, err := t.Candidates(componentID)

	return len(candidates), err
}

// DefaultCandidate returns the local candidate of the component's valid
// pair, or the default candidate when there is none.
func (t *Transport) DefaultCandidate(componentID int) (Candidate, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if err := t.usableLocked(); err != nil {
		return Candidate{}, err
	}
	comp, err := t.componentLocked(componentID)
	if err != nil {
		return Candidate{}, err
	}
	if t.session != nil {
		if pair, ok := t.session.ValidPair(componentID); ok {
			return pair.Local, nil
		}
	}
	def := comp.defaultCandidate()
	if def == nil {
		return Candidate{}, &iceerr.InvalidStateError{Err: ErrNoDefaultCandidate}
	}

	return *def, nil
}

// ValidPair returns the pair selected for a component, if any.
func (t *Transport) ValidPair(componentID int) (CandidatePair, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.session == nil || componentID < 1 || componentID > len(t.components) {
		return CandidatePair{}, false
	}

	return t.session.ValidPair(componentID)
}

// Role returns the role of the session, or Unknown without one.
func (t *Transport) Role() Role {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.session == nil {
		return Role(Unknown)
	}

	return t.session.Role()
}

// ChangeRole switches the role of the session.
func (t *Transport) ChangeRole(role Role) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.usableLocked(); err != nil {
		return err
	}
	if t.session == nil {
		return &iceerr.InvalidStateError{Err: ErrNoSession}
	}
	if err := t.session.SetRole(role); err != nil {
		return &iceerr.InvalidArgumentError{Err: err}
	}

	return nil
}

// Credentials returns the local credentials of the session and the remote
// ones once StartICE succeeded.
func (t *Transport) Credentials() (local, remote Credentials, err error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.session == nil {
		return Credentials{}, Credentials{}, &iceerr.InvalidStateError{Err: ErrNoSession}
	}
	if t.remote != nil {
		remote = *t.remote
	}

	return t.local, remote, nil
}

// HasSession reports whether InitICE created a session.
func (t *Transport) HasSession() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.session != nil
}

// SessionRunning reports whether checks were started and have not
// completed.
func (t *Transport) SessionRunning() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.session != nil && t.remote != nil && !t.session.IsComplete()
}

// SessionComplete reports whether the session finished negotiating,
// successfully or not.
func (t *Transport) SessionComplete() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.session != nil && t.session.IsComplete()
}

// Options returns the session options.
func (t *Transport) Options() SessionOptions {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if t.session != nil {
		return t.session.Options()
	}

	return t.config.SessionOptions
}

// SetOptions changes the session options. They also apply to sessions
// created later.
func (t *Transport) SetOptions(options SessionOptions) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.config.SessionOptions = options
	if t.session != nil {
		t.session.SetOptions(options)
	}
}
