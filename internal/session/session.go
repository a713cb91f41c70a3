// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package session implements ICE connectivity checks (RFC 8445) over
// candidates owned by the caller. It never touches a socket: every packet
// leaves through Config.OnTx and enters through Session.HandlePacket.
package session

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/icestream/internal/mux"
	"github.com/pion/icestream/internal/util"
	"github.com/pion/logging"
	"github.com/pion/stun/v3"
)

// Role is the ICE role of the local agent.
type Role int

const (
	RoleControlling Role = iota + 1
	RoleControlled
)

func (r Role) String() string {
	switch r {
	case RoleControlling:
		return "controlling"
	case RoleControlled:
		return "controlled"
	default:
		return "unknown"
	}
}

const (
	defaultCheckInterval = 20 * time.Millisecond
	defaultTimeout       = 10 * time.Second
	defaultCheckRTO      = 100 * time.Millisecond
	maxCheckRTO          = 1600 * time.Millisecond
	maxCheckAttempts     = 7

	peerReflexivePreference = 110
	peerReflexiveFoundation = "prflx"
)

var (
	// ErrClosed indicates the session was closed.
	ErrClosed = errors.New("session: closed")
	// ErrCheckListCreated indicates candidates or a check list were given
	// after the check list was built.
	ErrCheckListCreated = errors.New("session: check list already created")
	// ErrNoCheckList indicates StartChecks was called before CreateCheckList.
	ErrNoCheckList = errors.New("session: no check list")
	// ErrStarted indicates StartChecks was called twice.
	ErrStarted = errors.New("session: checks already started")
	// ErrNoPairs indicates no local and remote candidate could be paired.
	ErrNoPairs = errors.New("session: no candidate pairs")
	// ErrNoValidPair indicates data was sent on a component without a
	// valid pair.
	ErrNoValidPair = errors.New("session: no valid pair")
	// ErrTimeout indicates negotiation did not complete in time.
	ErrTimeout = errors.New("session: negotiation timed out")
	// ErrChecksFailed indicates every pair of a component failed.
	ErrChecksFailed = errors.New("session: all checks failed")
	// ErrUnknownComponent indicates a component id out of range.
	ErrUnknownComponent = errors.New("session: unknown component")

	errNoCredentials = errors.New("session: credentials required")
	errInvalidRole   = errors.New("session: invalid role")
)

// Candidate is a local or remote candidate as seen by the session.
type Candidate struct {
	// ID identifies a local candidate to its owner. It is zero for remote
	// candidates.
	ID          int
	ComponentID int
	TransportID int
	Type        ice.CandidateType
	Priority    uint32
	Foundation  string
	Address     netip.AddrPort
	Base        netip.AddrPort
	Related     netip.AddrPort
}

// Pair is a checked local and remote candidate.
type Pair struct {
	Local     Candidate
	Remote    Candidate
	Nominated bool
}

// Options tune nomination.
type Options struct {
	Aggressive               bool
	NominatedCheckDelay      time.Duration
	ControlledWantNomTimeout time.Duration
}

// Config configures a Session.
type Config struct {
	Role           Role
	ComponentCount int
	LocalUfrag     string
	LocalPwd       string
	// TieBreaker is generated when zero.
	TieBreaker    uint64
	CheckInterval time.Duration
	Timeout       time.Duration
	Options       Options

	LoggerFactory logging.LoggerFactory

	OnComplete func(err error)
	OnTx       func(componentID, transportID int, data []byte, to netip.AddrPort) error
	OnRx       func(componentID, transportID int, data []byte, from netip.AddrPort)
}

type outbound struct {
	componentID int
	transportID int
	data        []byte
	to          netip.AddrPort
}

// Session runs the checks of one negotiation.
type Session struct {
	config Config
	log    logging.LeveledLogger

	lock         sync.Mutex
	role         Role
	tieBreaker   uint64
	options      Options
	local        []Candidate
	remote       []Candidate
	remoteUfrag  string
	remotePwd    string
	checklist    *checklist
	running      bool
	complete     bool
	closed       bool
	started      time.Time
	firstValidAt map[int]time.Time
	done         chan struct{}
}

// New creates a session. No packet is sent before StartChecks.
func New(config Config) (*Session, error) {
	if config.ComponentCount < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownComponent, config.ComponentCount)
	}
	if config.LocalUfrag == "" || config.LocalPwd == "" {
		return nil, errNoCredentials
	}
	if config.Role != RoleControlling && config.Role != RoleControlled {
		return nil, errInvalidRole
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaultCheckInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	tieBreaker := config.TieBreaker
	if tieBreaker == 0 {
		var err error
		if tieBreaker, err = util.GenerateTieBreaker(); err != nil {
			return nil, err
		}
	}

	return &Session{
		config:       config,
		log:          config.LoggerFactory.NewLogger("session"),
		role:         config.Role,
		tieBreaker:   tieBreaker,
		options:      config.Options,
		firstValidAt: map[int]time.Time{},
		done:         make(chan struct{}),
	}, nil
}

// AddCandidate registers a local candidate.
func (s *Session) AddCandidate(c Candidate) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch {
	case s.closed:
		return ErrClosed
	case s.checklist != nil:
		return ErrCheckListCreated
	case c.ComponentID < 1 || c.ComponentID > s.config.ComponentCount:
		return fmt.Errorf("%w: %d", ErrUnknownComponent, c.ComponentID)
	}

	s.local = append(s.local, c)

	return nil
}

// Candidates returns the local candidates of a component.
func (s *Session) Candidates(componentID int) []Candidate {
	s.lock.Lock()
	defer s.lock.Unlock()

	var out []Candidate
	for _, c := range s.local {
		if c.ComponentID == componentID {
			out = append(out, c)
		}
	}

	return out
}

// CreateCheckList pairs local candidates with the remote ones.
func (s *Session) CreateCheckList(remoteUfrag, remotePwd string, remote []Candidate) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch {
	case s.closed:
		return ErrClosed
	case s.checklist != nil:
		return ErrCheckListCreated
	case remoteUfrag == "" || remotePwd == "":
		return errNoCredentials
	}

	for _, c := range remote {
		if c.ComponentID < 1 || c.ComponentID > s.config.ComponentCount || !c.Address.IsValid() {
			s.log.Warnf("Ignoring remote candidate %s of component %d", c.Address, c.ComponentID)

			continue
		}
		c.ID = 0
		s.remote = append(s.remote, c)
	}

	list := newChecklist(s.role)
	for _, l := range s.local {
		for _, r := range s.remote {
			list.add(l, r)
		}
	}
	if len(list.pairs) == 0 {
		s.remote = nil

		return ErrNoPairs
	}
	list.sort()

	s.remoteUfrag, s.remotePwd = remoteUfrag, remotePwd
	s.checklist = list
	s.log.Debugf("Check list created with %d pairs", len(list.pairs))

	return nil
}

// StartChecks starts pacing checks. It returns immediately; the first
// check leaves on the next tick.
func (s *Session) StartChecks() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch {
	case s.closed:
		return ErrClosed
	case s.checklist == nil:
		return ErrNoCheckList
	case s.running:
		return ErrStarted
	}

	s.running = true
	s.started = time.Now()
	go s.loop()

	return nil
}

// IsRunning reports whether checks were started.
func (s *Session) IsRunning() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.running
}

// IsComplete reports whether negotiation finished.
func (s *Session) IsComplete() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.complete
}

// Role returns the current role.
func (s *Session) Role() Role {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.role
}

// SetRole changes the role and recomputes pair priorities.
func (s *Session) SetRole(role Role) error {
	if role != RoleControlling && role != RoleControlled {
		return errInvalidRole
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.setRoleLocked(role)

	return nil
}

func (s *Session) setRoleLocked(role Role) {
	if s.role == role {
		return
	}
	s.log.Infof("Role changed from %s to %s", s.role, role)
	s.role = role
	if s.checklist != nil {
		s.checklist.setRole(role)
	}
}

// Options returns the nomination options.
func (s *Session) Options() Options {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.options
}

// SetOptions replaces the nomination options.
func (s *Session) SetOptions(options Options) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.options = options
}

// ValidPair returns the nominated pair of a component, or its best
// succeeded pair before nomination.
func (s *Session) ValidPair(componentID int) (Pair, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.checklist == nil {
		return Pair{}, false
	}

	p := s.checklist.valid(componentID)
	if p == nil {
		return Pair{}, false
	}

	return Pair{Local: p.local, Remote: p.remote, Nominated: p.nominated}, true
}

// SendData sends data to the remote candidate of the component's valid
// pair, from the local candidate's transport.
func (s *Session) SendData(componentID int, data []byte) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()

		return ErrClosed
	}
	var p *pair
	if s.checklist != nil {
		p = s.checklist.valid(componentID)
	}
	s.lock.Unlock()

	if p == nil {
		return ErrNoValidPair
	}

	return s.config.OnTx(componentID, p.local.TransportID, data, p.remote.Address)
}

// Close stops the session. It does not wait for the check loop.
func (s *Session) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	return nil
}

// HandlePacket processes a packet received on a local transport. STUN
// Binding messages are consumed, anything else goes to OnRx.
func (s *Session) HandlePacket(componentID, transportID int, data []byte, from netip.AddrPort) {
	if mux.MatchData(data) {
		if s.config.OnRx != nil {
			s.config.OnRx(componentID, transportID, data, from)
		}

		return
	}
	if !mux.MatchSTUN(data) {
		return
	}

	msg := &stun.Message{Raw: append([]byte{}, data...)}
	if err := msg.Decode(); err != nil {
		s.log.Debugf("Dropping malformed STUN from %s: %v", from, err)

		return
	}
	if msg.Type.Method != stun.MethodBinding {
		return
	}

	var out []outbound
	var completeErr error
	var completed bool

	s.lock.Lock()
	if s.closed || s.checklist == nil {
		s.lock.Unlock()

		return
	}
	switch msg.Type.Class {
	case stun.ClassRequest:
		out = s.handleRequestLocked(msg, componentID, transportID, from)
	case stun.ClassSuccessResponse:
		s.handleSuccessLocked(msg, from)
	default:
	}
	completed, completeErr = s.evaluateLocked(time.Now())
	s.lock.Unlock()

	s.flush(out)
	if completed {
		s.finish(completeErr)
	}
}

func (s *Session) handleRequestLocked(msg *stun.Message, componentID, transportID int, from netip.AddrPort) []outbound {
	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		s.log.Debugf("Dropping request without USERNAME from %s", from)

		return nil
	}
	if expected := s.config.LocalUfrag + ":"; len(username.String()) <= len(expected) ||
		username.String()[:len(expected)] != expected {
		s.log.Debugf("Dropping request with USERNAME %s from %s", username, from)

		return nil
	}
	if err := stun.NewShortTermIntegrity(s.config.LocalPwd).Check(msg); err != nil {
		s.log.Warnf("Dropping request from %s: %v", from, err)

		return nil
	}
	if err := stun.Fingerprint.Check(msg); err != nil {
		s.log.Warnf("Dropping request from %s: %v", from, err)

		return nil
	}

	if s.role == RoleControlling && msg.Contains(stun.AttrICEControlling) {
		s.log.Debug("Dropping request from another controlling agent")

		return nil
	}
	if s.role == RoleControlled && msg.Contains(stun.AttrICEControlled) {
		s.log.Debug("Dropping request from another controlled agent")

		return nil
	}

	resp, err := stun.Build(msg, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.Addr().AsSlice(), Port: int(from.Port())},
		stun.NewShortTermIntegrity(s.config.LocalPwd),
		stun.Fingerprint,
	)
	if err != nil {
		s.log.Warnf("Failed to build response to %s: %v", from, err)

		return nil
	}
	out := []outbound{{componentID, transportID, resp.Raw, from}}

	local, ok := s.localForTransport(componentID, transportID)
	if !ok {
		return out
	}

	remote, ok := s.remoteByAddress(componentID, from)
	if !ok {
		var prio ice.PriorityAttr
		_ = prio.GetFrom(msg)
		remote = Candidate{
			ComponentID: componentID,
			Type:        ice.CandidateTypePeerReflexive,
			Priority:    uint32(prio),
			Foundation:  peerReflexiveFoundation,
			Address:     from,
		}
		s.remote = append(s.remote, remote)
		s.log.Debugf("Learned peer reflexive candidate %s on component %d", from, componentID)
	}

	p := s.checklist.find(local.TransportID, componentID, from)
	if p == nil {
		if p = s.checklist.add(local, remote); p == nil {
			return out
		}
		s.checklist.sort()
	}

	useCandidate := msg.Contains(stun.AttrUseCandidate)
	if s.role == RoleControlled && useCandidate {
		if p.state == pairSucceeded {
			s.nominateLocked(p)
		} else {
			p.nominateOnSuccess = true
		}
	}

	if p.state != pairSucceeded && !p.pending {
		s.checklist.trigger(p)
	}

	return out
}

func (s *Session) handleSuccessLocked(msg *stun.Message, from netip.AddrPort) {
	p, ok := s.checklist.transactions[msg.TransactionID]
	if !ok {
		s.log.Debugf("Dropping response with unknown transaction from %s", from)

		return
	}
	if err := stun.NewShortTermIntegrity(s.remotePwd).Check(msg); err != nil {
		s.log.Warnf("Dropping response from %s: %v", from, err)

		return
	}
	delete(s.checklist.transactions, msg.TransactionID)
	p.pending = false

	// RFC 8445 section 7.2.5.2.1: the response must come from the address
	// the request was sent to.
	if from != p.remote.Address {
		s.log.Debugf("Pair %s failed: response from %s", p, from)
		p.state = pairFailed

		return
	}

	p.state = pairSucceeded
	if _, ok := s.firstValidAt[p.local.ComponentID]; !ok {
		s.firstValidAt[p.local.ComponentID] = time.Now()
	}
	s.log.Debugf("Pair %s succeeded", p)

	if p.useCandidate || p.nominateOnSuccess {
		s.nominateLocked(p)
	}
}

func (s *Session) nominateLocked(p *pair) {
	if s.checklist.selected[p.local.ComponentID] != nil {
		return
	}
	p.nominated = true
	s.checklist.selected[p.local.ComponentID] = p
	s.log.Infof("Selected pair %s for component %d", p, p.local.ComponentID)
}

// localForTransport returns the candidate that represents a local
// transport in pairs: the relayed candidate, or the first host candidate
// of the binding socket.
func (s *Session) localForTransport(componentID, transportID int) (Candidate, bool) {
	for _, c := range s.local {
		if c.ComponentID == componentID && c.TransportID == transportID && c.Type != ice.CandidateTypeServerReflexive {
			return c, true
		}
	}

	return Candidate{}, false
}

func (s *Session) remoteByAddress(componentID int, addr netip.AddrPort) (Candidate, bool) {
	for _, c := range s.remote {
		if c.ComponentID == componentID && c.Address == addr {
			return c, true
		}
	}

	return Candidate{}, false
}

func (s *Session) loop() {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			out, completed, err := s.tick(now)
			s.flush(out)
			if completed {
				s.finish(err)

				return
			}
		}
	}
}

func (s *Session) tick(now time.Time) ([]outbound, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed || s.complete {
		return nil, false, nil
	}

	var out []outbound
	for _, p := range s.checklist.pairs {
		if !p.pending || now.Before(p.deadline) {
			continue
		}
		if p.attempts >= maxCheckAttempts {
			p.pending = false
			delete(s.checklist.transactions, p.txID)
			if p.state != pairSucceeded {
				s.log.Debugf("Pair %s failed after %d attempts", p, p.attempts)
				p.state = pairFailed
			}

			continue
		}
		p.attempts++
		p.rto = min(p.rto*2, maxCheckRTO)
		p.deadline = now.Add(p.rto)
		out = append(out, outbound{p.local.ComponentID, p.local.TransportID, p.raw, p.remote.Address})
	}

	if p := s.checklist.next(); p != nil {
		if o, ok := s.sendCheckLocked(p, now, s.role == RoleControlling && s.options.Aggressive); ok {
			out = append(out, o)
		}
	}

	out = append(out, s.regularNominationLocked(now)...)

	completed, err := s.evaluateLocked(now)

	return out, completed, err
}

// regularNominationLocked nominates the best valid pair of every component
// once NominatedCheckDelay has passed since its first valid pair, or lets
// a controlled agent adopt its best valid pair after
// ControlledWantNomTimeout.
func (s *Session) regularNominationLocked(now time.Time) []outbound {
	var out []outbound
	for componentID := 1; componentID <= s.config.ComponentCount; componentID++ {
		if s.checklist.selected[componentID] != nil {
			continue
		}
		first, ok := s.firstValidAt[componentID]
		if !ok {
			continue
		}
		best := s.checklist.valid(componentID)
		if best == nil {
			continue
		}

		switch s.role {
		case RoleControlling:
			if s.options.Aggressive || s.checklist.nominating(componentID) ||
				now.Sub(first) < s.options.NominatedCheckDelay {
				continue
			}
			if o, ok := s.sendCheckLocked(best, now, true); ok {
				out = append(out, o)
			}
		case RoleControlled:
			if s.options.ControlledWantNomTimeout > 0 && now.Sub(first) >= s.options.ControlledWantNomTimeout {
				s.log.Infof("No nomination for component %d, using best valid pair", componentID)
				s.nominateLocked(best)
			}
		}
	}

	return out
}

func (s *Session) sendCheckLocked(p *pair, now time.Time, useCandidate bool) (outbound, bool) {
	setters := []stun.Setter{
		stun.BindingRequest, stun.TransactionID,
		stun.NewUsername(s.remoteUfrag + ":" + s.config.LocalUfrag),
		ice.PriorityAttr(peerReflexivePriority(p.local.Priority)),
	}
	if s.role == RoleControlling {
		setters = append(setters, ice.AttrControlling(s.tieBreaker))
		if useCandidate {
			setters = append(setters, ice.UseCandidate())
		}
	} else {
		setters = append(setters, ice.AttrControlled(s.tieBreaker))
	}
	setters = append(setters, stun.NewShortTermIntegrity(s.remotePwd), stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		s.log.Errorf("Failed to build check for %s: %v", p, err)

		return outbound{}, false
	}

	delete(s.checklist.transactions, p.txID)
	if p.state != pairSucceeded {
		p.state = pairInProgress
	}
	p.pending = true
	p.useCandidate = useCandidate
	p.txID = msg.TransactionID
	p.raw = msg.Raw
	p.attempts = 1
	p.rto = defaultCheckRTO
	p.deadline = now.Add(p.rto)
	s.checklist.transactions[p.txID] = p

	return outbound{p.local.ComponentID, p.local.TransportID, p.raw, p.remote.Address}, true
}

// evaluateLocked decides whether negotiation is over. It flips the
// complete flag so the caller reports the outcome exactly once.
func (s *Session) evaluateLocked(now time.Time) (bool, error) {
	if s.complete || !s.running {
		return false, nil
	}

	var err error
	done := true
	for componentID := 1; componentID <= s.config.ComponentCount; componentID++ {
		if s.checklist.selected[componentID] != nil {
			continue
		}
		done = false
		if s.checklist.exhausted(componentID) {
			err = fmt.Errorf("%w: component %d", ErrChecksFailed, componentID)
		}
	}

	switch {
	case done:
	case err != nil:
	case now.Sub(s.started) >= s.config.Timeout:
		err = ErrTimeout
	default:
		return false, nil
	}

	s.complete = true

	return true, err
}

func (s *Session) flush(out []outbound) {
	for _, o := range out {
		if err := s.config.OnTx(o.componentID, o.transportID, o.data, o.to); err != nil {
			s.log.Debugf("Failed to send to %s on component %d: %v", o.to, o.componentID, err)
		}
	}
}

func (s *Session) finish(err error) {
	if err != nil {
		s.log.Warnf("Negotiation failed: %v", err)
	} else {
		s.log.Infof("Negotiation succeeded in %s", time.Since(s.started))
	}
	if s.config.OnComplete != nil {
		s.config.OnComplete(err)
	}
}

func peerReflexivePriority(priority uint32) uint32 {
	return peerReflexivePreference<<24 | priority&0x00FFFFFF
}
