// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"
)

var errFakeNoPair = errors.New("fake session has no valid pair")

type sentPacket struct {
	data []byte
	to   netip.AddrPort
}

type fakeBinding struct {
	mu        sync.Mutex
	config    BindingSocketConfig
	aliases   []netip.AddrPort
	mapped    netip.AddrPort
	hasMapped bool
	server    string
	startErr  error
	sent      []sentPacket
	closed    bool
}

func (f *fakeBinding) Start(server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.server = server

	return f.startErr
}

func (f *fakeBinding) LocalAliases() []netip.AddrPort {
	return f.aliases
}

func (f *fakeBinding) MappedAddress() (netip.AddrPort, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.mapped, f.hasMapped
}

func (f *fakeBinding) SendTo(data []byte, to netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{append([]byte{}, data...), to})

	return nil
}

func (f *fakeBinding) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

// succeed reports a Binding result for op with the given mapped address.
func (f *fakeBinding) succeed(op BindingOp, mapped netip.AddrPort) {
	f.mu.Lock()
	f.mapped, f.hasMapped = mapped, true
	f.mu.Unlock()
	f.config.OnStatus(op, nil)
}

func (f *fakeBinding) fail(op BindingOp, err error) {
	f.config.OnStatus(op, err)
}

func (f *fakeBinding) receive(data []byte, from netip.AddrPort) {
	f.config.OnReceive(data, from)
}

func (f *fakeBinding) sentPackets() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]sentPacket{}, f.sent...)
}

func (f *fakeBinding) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

type fakeRelay struct {
	mu          sync.Mutex
	config      RelaySocketConfig
	allocated   bool
	allocateErr error
	permissions []netip.AddrPort
	channels    []netip.AddrPort
	sent        []sentPacket
	closed      bool
}

func (f *fakeRelay) Allocate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocated = true

	return f.allocateErr
}

func (f *fakeRelay) SetPermissions(peers []netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, peers...)

	return nil
}

func (f *fakeRelay) BindChannel(peer netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, peer)

	return nil
}

func (f *fakeRelay) SendTo(data []byte, to netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{append([]byte{}, data...), to})

	return nil
}

func (f *fakeRelay) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

func (f *fakeRelay) ready(relayed, mapped netip.AddrPort) {
	f.config.OnState(RelayStateAllocating, RelayStateReady, RelayInfo{
		RelayedAddress: relayed,
		MappedAddress:  mapped,
	})
}

func (f *fakeRelay) lose(err error) {
	f.config.OnState(RelayStateReady, RelayStateDeallocated, RelayInfo{LastErr: err})
}

func (f *fakeRelay) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeRelay) boundChannels() []netip.AddrPort {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]netip.AddrPort{}, f.channels...)
}

func (f *fakeRelay) installedPermissions() []netip.AddrPort {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]netip.AddrPort{}, f.permissions...)
}

type handledPacket struct {
	componentID int
	transportID TransportID
	data        []byte
	from        netip.AddrPort
}

type fakeSession struct {
	mu         sync.Mutex
	config     SessionConfig
	candidates map[int][]Candidate
	remote     []Candidate
	started    bool
	complete   bool
	valid      map[int]CandidatePair
	role       Role
	options    SessionOptions
	handled    []handledPacket
	closed     bool
}

func (f *fakeSession) AddCandidate(candidate Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates[candidate.ComponentID] = append(f.candidates[candidate.ComponentID], candidate)

	return nil
}

func (f *fakeSession) Candidates(componentID int) []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Candidate{}, f.candidates[componentID]...)
}

func (f *fakeSession) CreateCheckList(_, _ string, remote []Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = remote

	return nil
}

func (f *fakeSession) StartChecks() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true

	return nil
}

func (f *fakeSession) SendData(componentID int, data []byte) error {
	f.mu.Lock()
	pair, ok := f.valid[componentID]
	f.mu.Unlock()
	if !ok {
		return errFakeNoPair
	}

	return f.config.OnTx(componentID, pair.Local.TransportID, data, pair.Remote.Address)
}

func (f *fakeSession) HandlePacket(componentID int, transportID TransportID, data []byte, from netip.AddrPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, handledPacket{componentID, transportID, data, from})
}

func (f *fakeSession) ValidPair(componentID int) (CandidatePair, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pair, ok := f.valid[componentID]

	return pair, ok
}

func (f *fakeSession) Role() Role {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.role
}

func (f *fakeSession) SetRole(role Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if role != RoleControlling && role != RoleControlled {
		return ErrInvalidRole
	}
	f.role = role

	return nil
}

func (f *fakeSession) Options() SessionOptions {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.options
}

func (f *fakeSession) SetOptions(options SessionOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options = options
}

func (f *fakeSession) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.started
}

func (f *fakeSession) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.complete
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

// setValid selects a pair for a component.
func (f *fakeSession) setValid(componentID int, pair CandidatePair) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid[componentID] = pair
}

func (f *fakeSession) finish(err error) {
	f.mu.Lock()
	f.complete = true
	f.mu.Unlock()
	f.config.OnComplete(err)
}

func (f *fakeSession) deliver(componentID int, data []byte, from netip.AddrPort) {
	f.config.OnRx(componentID, TransportBinding, data, from)
}

func (f *fakeSession) handledPackets() []handledPacket {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]handledPacket{}, f.handled...)
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// fakeNetwork creates fake collaborators and keeps them for inspection.
type fakeNetwork struct {
	mu         sync.Mutex
	aliases    []netip.AddrPort
	startErr   error
	bindingErr error
	bindings   map[int]*fakeBinding
	relays     map[int][]*fakeRelay
	sessions   []*fakeSession
}

func newFakeNetwork(aliases ...string) *fakeNetwork {
	n := &fakeNetwork{
		bindings: map[int]*fakeBinding{},
		relays:   map[int][]*fakeRelay{},
	}
	for _, a := range aliases {
		n.aliases = append(n.aliases, netip.MustParseAddrPort(a))
	}

	return n
}

func (n *fakeNetwork) api() *API {
	s := SettingEngine{LoggerFactory: logging.NewDefaultLoggerFactory()}
	s.SetBindingFactory(n.newBinding)
	s.SetRelayFactory(n.newRelay)
	s.SetSessionFactory(n.newSession)

	return NewAPI(WithSettingEngine(s))
}

func (n *fakeNetwork) newBinding(config BindingSocketConfig) (BindingSocket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bindingErr != nil {
		return nil, n.bindingErr
	}
	b := &fakeBinding{config: config, aliases: n.aliases, startErr: n.startErr}
	n.bindings[config.ComponentID] = b

	return b, nil
}

func (n *fakeNetwork) newRelay(config RelaySocketConfig) (RelaySocket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r := &fakeRelay{config: config}
	n.relays[config.ComponentID] = append(n.relays[config.ComponentID], r)

	return r, nil
}

func (n *fakeNetwork) newSession(config SessionConfig) (Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &fakeSession{
		config:     config,
		candidates: map[int][]Candidate{},
		valid:      map[int]CandidatePair{},
		role:       config.Role,
		options:    config.Options,
	}
	n.sessions = append(n.sessions, s)

	return s, nil
}

func (n *fakeNetwork) binding(componentID int) *fakeBinding {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.bindings[componentID]
}

// relay returns the latest allocation of a component.
func (n *fakeNetwork) relay(componentID int) *fakeRelay {
	n.mu.Lock()
	defer n.mu.Unlock()
	relays := n.relays[componentID]
	if len(relays) == 0 {
		return nil
	}

	return relays[len(relays)-1]
}

func (n *fakeNetwork) relayCount(componentID int) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.relays[componentID])
}

func (n *fakeNetwork) session() *fakeSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sessions) == 0 {
		return nil
	}

	return n.sessions[len(n.sessions)-1]
}

type completion struct {
	op  Operation
	err error
}

type received struct {
	componentID int
	data        []byte
	from        netip.AddrPort
}

// recorder collects application callbacks.
type recorder struct {
	completions chan completion
	received    chan received
}

func newRecorder() *recorder {
	return &recorder{
		completions: make(chan completion, 16),
		received:    make(chan received, 16),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnComplete: func(op Operation, err error) {
			r.completions <- completion{op, err}
		},
		OnReceive: func(componentID int, data []byte, from netip.AddrPort) {
			r.received <- received{componentID, append([]byte{}, data...), from}
		},
	}
}

func (r *recorder) waitComplete(t *testing.T) completion {
	t.Helper()
	select {
	case c := <-r.completions:
		return c
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for completion callback")
	}

	return completion{}
}

func (r *recorder) waitReceive(t *testing.T) received {
	t.Helper()
	select {
	case p := <-r.received:
		return p
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for receive callback")
	}

	return received{}
}

func (r *recorder) expectNoCompletion(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.completions:
		require.FailNowf(t, "unexpected completion", "%s: %v", c.op, c.err)
	case <-time.After(50 * time.Millisecond):
	}
}
