// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pion/icestream/pkg/iceerr"
	"github.com/pion/transport/v4/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTest = errors.New("test failure")

	mappedAddr  = netip.MustParseAddrPort("203.0.113.5:6000")
	relayedAddr = netip.MustParseAddrPort("198.51.100.1:40000")
	remoteAddr  = netip.MustParseAddrPort("192.0.2.10:7000")
)

func destroyTransport(t *testing.T, tr *Transport) {
	t.Helper()
	if err := tr.Destroy(); err != nil {
		assert.ErrorIs(t, err, ErrDestroyPending)
	}
}

func stunConfig() Configuration {
	config := NewConfiguration(1)
	config.STUN.Server = "stun.example.com"

	return config
}

func turnConfig() Configuration {
	config := NewConfiguration(1)
	config.TURN = TURNConfig{Server: "turn.example.com", Username: "user", Password: "pass"}

	return config
}

func remoteCandidates() []Candidate {
	return []Candidate{{ComponentID: 1, Type: CandidateTypeHost, Address: remoteAddr, Priority: 1}}
}

func TestTransportGatherServerReflexive(t *testing.T) {
	lim := test.TimeOut(time.Second * 30)
	defer lim.Stop()

	n := newFakeNetwork("10.0.0.1:5000", "127.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(stunConfig(), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	assert.Equal(t, TransportStateInit, tr.State())
	assert.Equal(t, "stun.example.com:3478", n.binding(1).server)
	r.expectNoCompletion(t)

	candidates, err := tr.Candidates(1)
	require.NoError(t, err)
	require.Len(t, candidates, 2, "loopback must be filtered")
	assert.Equal(t, CandidateTypeServerReflexive, candidates[0].Type)
	assert.Equal(t, CandidateStatusPending, candidates[0].Status)
	assert.Equal(t, CandidateTypeHost, candidates[1].Type)
	assert.Equal(t, CandidateStatusReady, candidates[1].Status)

	n.binding(1).succeed(BindingOpBinding, mappedAddr)

	c := r.waitComplete(t)
	assert.Equal(t, OperationInit, c.op)
	assert.NoError(t, c.err)
	assert.Equal(t, TransportStateReady, tr.State())

	def, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeServerReflexive, def.Type)
	assert.Equal(t, CandidateStatusReady, def.Status)
	assert.Equal(t, mappedAddr, def.Address)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:5000"), def.Base)
	assert.Equal(t, def.Base, def.Related)
	assert.Equal(t, computeFoundation(CandidateTypeServerReflexive, def.Base.Addr(), TransportBinding), def.Foundation)

	r.expectNoCompletion(t)
}

func TestTransportGatherIgnoreSTUNErrors(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	config := stunConfig()
	config.STUN.IgnoreErrors = true
	tr, err := n.api().NewTransport(config, r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	n.binding(1).fail(BindingOpBinding, errTest)

	c := r.waitComplete(t)
	assert.Equal(t, OperationInit, c.op)
	assert.NoError(t, c.err)

	candidates, err := tr.Candidates(1)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, CandidateStatusFailed, candidates[0].Status)
	assert.ErrorIs(t, candidates[0].Err, errTest)

	def, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeHost, def.Type)
}

func TestTransportGatherSTUNFailure(t *testing.T) {
	for _, op := range []BindingOp{BindingOpDNS, BindingOpBinding} {
		t.Run(op.String(), func(t *testing.T) {
			n := newFakeNetwork("10.0.0.1:5000")
			r := newRecorder()
			tr, err := n.api().NewTransport(stunConfig(), r.callbacks())
			require.NoError(t, err)
			defer destroyTransport(t, tr)

			n.binding(1).fail(op, errTest)

			c := r.waitComplete(t)
			assert.Equal(t, OperationInit, c.op)
			var initErr *iceerr.InitError
			assert.ErrorAs(t, c.err, &initErr)
			assert.ErrorIs(t, c.err, errTest)
			assert.Equal(t, TransportStateInit, tr.State())

			// A late success does not report gathering a second time.
			n.binding(1).succeed(BindingOpBinding, mappedAddr)
			r.expectNoCompletion(t)
		})
	}
}

func TestTransportGatherDuplicateHost(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(stunConfig(), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	n.binding(1).succeed(BindingOpBinding, netip.MustParseAddrPort("10.0.0.1:5000"))

	c := r.waitComplete(t)
	assert.NoError(t, c.err)

	count, err := tr.CandidateCount(1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	def, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeHost, def.Type)
	assert.Equal(t, CandidateStatusReady, def.Status)
}

func TestTransportSTUNStartFailure(t *testing.T) {
	t.Run("Ignored", func(t *testing.T) {
		n := newFakeNetwork("10.0.0.1:5000")
		n.startErr = errTest
		r := newRecorder()
		config := stunConfig()
		config.STUN.IgnoreErrors = true
		tr, err := n.api().NewTransport(config, r.callbacks())
		require.NoError(t, err)
		defer destroyTransport(t, tr)

		c := r.waitComplete(t)
		assert.NoError(t, c.err)

		def, err := tr.DefaultCandidate(1)
		require.NoError(t, err)
		assert.Equal(t, CandidateTypeHost, def.Type)
	})

	t.Run("Fatal", func(t *testing.T) {
		n := newFakeNetwork("10.0.0.1:5000")
		n.startErr = errTest
		tr, err := n.api().NewTransport(stunConfig(), newRecorder().callbacks())
		assert.Nil(t, tr)
		var initErr *iceerr.InitError
		assert.ErrorAs(t, err, &initErr)
		assert.ErrorIs(t, err, errTest)
		assert.True(t, n.binding(1).isClosed())
	})
}

func TestTransportHostCandidates(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000", "10.0.0.2:5000", "127.0.0.1:5000")
	r := newRecorder()
	config := NewConfiguration(1)
	config.STUN.IncludeLoopback = true
	tr, err := n.api().NewTransport(config, r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	c := r.waitComplete(t)
	assert.NoError(t, c.err)

	candidates, err := tr.Candidates(1)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, uint16(maxLocalPreference), candidates[0].LocalPreference)
	assert.Equal(t, uint16(maxLocalPreference-1), candidates[1].LocalPreference)
	assert.Greater(t, candidates[0].Priority, candidates[1].Priority)
	assert.NotEqual(t, candidates[0].ID, candidates[1].ID)

	n = newFakeNetwork("10.0.0.1:5000", "10.0.0.2:5000")
	config = NewConfiguration(1)
	config.STUN.MaxHostCandidates = 1
	tr2, err := n.api().NewTransport(config, newRecorder().callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr2)

	count, err := tr2.CandidateCount(1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTransportMultipleComponents(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	config := stunConfig()
	config.ComponentCount = 2
	config.QoS = QoSTypeVoice
	config.Components = []ComponentConfig{{}, {QoS: QoSTypeVideo}}
	tr, err := n.api().NewTransport(config, r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	assert.Equal(t, 2, tr.ComponentCount())
	assert.Equal(t, QoSTypeVoice, n.binding(1).config.QoS)
	assert.Equal(t, QoSTypeVideo, n.binding(2).config.QoS)

	n.binding(1).succeed(BindingOpBinding, mappedAddr)
	r.expectNoCompletion(t)

	n.binding(2).succeed(BindingOpBinding, netip.MustParseAddrPort("203.0.113.5:6002"))
	c := r.waitComplete(t)
	assert.Equal(t, OperationInit, c.op)
	assert.NoError(t, c.err)

	def, err := tr.DefaultCandidate(2)
	require.NoError(t, err)
	assert.Equal(t, 2, def.ComponentID)

	_, err = tr.Candidates(3)
	assert.ErrorIs(t, err, ErrUnknownComponent)
	assert.True(t, iceerr.IsUsage(err))
}

func TestTransportKeepAlive(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(stunConfig(), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	n.binding(1).succeed(BindingOpBinding, mappedAddr)
	assert.NoError(t, r.waitComplete(t).err)

	changed := netip.MustParseAddrPort("203.0.113.5:6100")
	n.binding(1).succeed(BindingOpMappedAddressChange, changed)
	r.expectNoCompletion(t)
	def, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, changed, def.Address)

	n.binding(1).fail(BindingOpKeepAlive, errTest)
	c := r.waitComplete(t)
	assert.Equal(t, OperationKeepAlive, c.op)
	var runtimeErr *iceerr.RuntimeError
	assert.ErrorAs(t, c.err, &runtimeErr)
	assert.ErrorIs(t, c.err, errTest)

	def, err = tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeHost, def.Type)

	n.binding(1).succeed(BindingOpKeepAlive, changed)
	r.expectNoCompletion(t)
	def, err = tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeServerReflexive, def.Type)
	assert.Equal(t, CandidateStatusReady, def.Status)
}

func TestTransportKeepAliveIgnored(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	config := stunConfig()
	config.STUN.IgnoreErrors = true
	tr, err := n.api().NewTransport(config, r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	n.binding(1).succeed(BindingOpBinding, mappedAddr)
	assert.NoError(t, r.waitComplete(t).err)

	n.binding(1).fail(BindingOpKeepAlive, errTest)
	r.expectNoCompletion(t)

	def, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeHost, def.Type)
	assert.Equal(t, CandidateStatusReady, def.Status)
}

func TestTransportRelay(t *testing.T) {
	lim := test.TimeOut(time.Second * 30)
	defer lim.Stop()

	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(turnConfig(), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	first := n.relay(1)
	require.NotNil(t, first)
	assert.Equal(t, "turn.example.com:3478", first.config.Server)
	assert.Equal(t, "udp", first.config.Network)
	assert.True(t, first.allocated)
	r.expectNoCompletion(t)

	first.ready(relayedAddr, mappedAddr)
	c := r.waitComplete(t)
	assert.Equal(t, OperationInit, c.op)
	assert.NoError(t, c.err)

	def, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeRelay, def.Type)
	assert.Equal(t, relayedAddr, def.Address)
	assert.Equal(t, relayedAddr, def.Base)
	assert.Equal(t, mappedAddr, def.Related)
	relayID := def.ID

	require.NoError(t, tr.InitICE(RoleControlling, "", ""))

	// First loss: the allocation is retried and the default moves away
	// from the pending relayed candidate.
	first.lose(errTest)
	r.expectNoCompletion(t)
	assert.Equal(t, 2, n.relayCount(1))
	assert.True(t, first.isClosed())
	def, err = tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeHost, def.Type)

	// Events from the replaced allocation are dropped.
	first.ready(relayedAddr, mappedAddr)
	def, err = tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeHost, def.Type)

	// Recovery updates the same candidate. With a session the default
	// stays where it is.
	n.relay(1).ready(netip.MustParseAddrPort("198.51.100.1:40002"), mappedAddr)
	r.expectNoCompletion(t)
	def, err = tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeHost, def.Type)

	require.NoError(t, tr.StopICE())
	candidates, err := tr.Candidates(1)
	require.NoError(t, err)
	var relayed *Candidate
	for i := range candidates {
		if candidates[i].Type == CandidateTypeRelay {
			relayed = &candidates[i]
		}
	}
	require.NotNil(t, relayed)
	assert.Equal(t, relayID, relayed.ID)
	assert.Equal(t, CandidateStatusReady, relayed.Status)

	// A success resets the loss counter, so this is retried too.
	n.relay(1).lose(errTest)
	r.expectNoCompletion(t)
	assert.Equal(t, 3, n.relayCount(1))

	// Second consecutive loss is fatal.
	n.relay(1).lose(errTest)
	c = r.waitComplete(t)
	assert.Equal(t, OperationKeepAlive, c.op)
	assert.ErrorIs(t, c.err, ErrRelayLost)
	assert.ErrorIs(t, c.err, errTest)
	assert.Equal(t, 3, n.relayCount(1))

	def, err = tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeHost, def.Type)
	assert.Equal(t, CandidateStatusReady, def.Status)
}

func TestTransportRelayRecoveryWithoutSession(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(turnConfig(), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	n.relay(1).ready(relayedAddr, mappedAddr)
	assert.NoError(t, r.waitComplete(t).err)

	n.relay(1).lose(errTest)
	r.expectNoCompletion(t)
	require.Equal(t, 2, n.relayCount(1))
	def, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeHost, def.Type)

	// Without a session the recovered relay becomes the default again.
	recovered := netip.MustParseAddrPort("198.51.100.1:40002")
	n.relay(1).ready(recovered, mappedAddr)
	r.expectNoCompletion(t)
	def, err = tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, CandidateTypeRelay, def.Type)
	assert.Equal(t, CandidateStatusReady, def.Status)
	assert.Equal(t, recovered, def.Address)
	assert.Equal(t, TransportStateReady, tr.State())
}

func TestTransportRelayFailureDuringGathering(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(turnConfig(), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	n.relay(1).lose(errTest)

	c := r.waitComplete(t)
	assert.Equal(t, OperationInit, c.op)
	var initErr *iceerr.InitError
	assert.ErrorAs(t, c.err, &initErr)
	assert.ErrorIs(t, c.err, errTest)
	assert.Equal(t, 1, n.relayCount(1))
	assert.Equal(t, TransportStateInit, tr.State())
}

func TestTransportInitICE(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(stunConfig(), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	n.binding(1).succeed(BindingOpBinding, mappedAddr)
	assert.NoError(t, r.waitComplete(t).err)

	assert.True(t, iceerr.IsUsage(tr.InitICE(Role(Unknown), "", "")))

	require.NoError(t, tr.InitICE(RoleControlled, "ufrag", "password"))
	assert.Equal(t, TransportStateSessionReady, tr.State())
	assert.True(t, tr.HasSession())
	assert.False(t, tr.SessionRunning())
	assert.Equal(t, RoleControlled, tr.Role())

	local, remote, err := tr.Credentials()
	require.NoError(t, err)
	assert.Equal(t, Credentials{Ufrag: "ufrag", Pwd: "password"}, local)
	assert.Equal(t, Credentials{}, remote)

	// The default is server reflexive, so reflexive pairs go first.
	sess := n.session()
	registered := sess.Candidates(1)
	require.Len(t, registered, 2)
	var host, srflx Candidate
	for _, c := range registered {
		switch c.Type {
		case CandidateTypeHost:
			host = c
		case CandidateTypeServerReflexive:
			srflx = c
		}
	}
	assert.Equal(t, computePriority(reflexiveFirstTypePreferences, CandidateTypeServerReflexive, maxLocalPreference, 1), srflx.Priority)
	assert.Greater(t, srflx.Priority, host.Priority)

	err = tr.InitICE(RoleControlling, "", "")
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.True(t, iceerr.IsUsage(err))

	require.NoError(t, tr.ChangeRole(RoleControlling))
	assert.Equal(t, RoleControlling, tr.Role())

	options := SessionOptions{NominatedCheckDelay: time.Second}
	tr.SetOptions(options)
	assert.Equal(t, options, tr.Options())
	assert.Equal(t, options, sess.Options())
}

func TestTransportInitICEUsage(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	config := stunConfig()
	config.STUN.MaxHostCandidates = 0
	tr, err := n.api().NewTransport(config, newRecorder().callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	err = tr.InitICE(RoleControlling, "", "")
	assert.ErrorIs(t, err, ErrNoReadyCandidate)
	assert.True(t, iceerr.IsUsage(err))
	assert.False(t, tr.HasSession())

	assert.ErrorIs(t, tr.StartICE("ufrag", "pwd", remoteCandidates()), ErrNoSession)
	assert.ErrorIs(t, tr.ChangeRole(RoleControlled), ErrNoSession)
	_, _, err = tr.Credentials()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, Role(Unknown), tr.Role())
	assert.Equal(t, TransportStateInit, tr.State())

	_, err = tr.DefaultCandidate(1)
	assert.NoError(t, err, "the pending srflx candidate is the default while gathering")
}

func TestTransportStartICE(t *testing.T) {
	lim := test.TimeOut(time.Second * 30)
	defer lim.Stop()

	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(turnConfig(), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	relay := n.relay(1)
	relay.ready(relayedAddr, mappedAddr)
	assert.NoError(t, r.waitComplete(t).err)
	require.NoError(t, tr.InitICE(RoleControlling, "", ""))

	assert.True(t, iceerr.IsUsage(tr.StartICE("", "pwd", remoteCandidates())))
	assert.True(t, iceerr.IsUsage(tr.StartICE("ufrag", "pwd", nil)))
	assert.Equal(t, TransportStateSessionReady, tr.State())

	require.NoError(t, tr.StartICE("ufrag", "pwd", remoteCandidates()))
	assert.Equal(t, TransportStateNegotiating, tr.State())
	assert.True(t, tr.SessionRunning())
	assert.Equal(t, 1, tr.RunningComponentCount())
	assert.Equal(t, []netip.AddrPort{remoteAddr}, relay.installedPermissions())

	_, remote, err := tr.Credentials()
	require.NoError(t, err)
	assert.Equal(t, Credentials{Ufrag: "ufrag", Pwd: "pwd"}, remote)

	err = tr.StartICE("ufrag", "pwd", remoteCandidates())
	assert.ErrorIs(t, err, ErrChecksStarted)
	var stateErr *iceerr.InvalidStateError
	assert.ErrorAs(t, err, &stateErr)

	sess := n.session()
	pair := CandidatePair{
		Local: Candidate{
			ComponentID: 1,
			Type:        CandidateTypeRelay,
			Status:      CandidateStatusReady,
			TransportID: TransportRelay,
			Address:     relayedAddr,
		},
		Remote:    remoteCandidates()[0],
		Nominated: true,
	}
	sess.setValid(1, pair)
	sess.finish(nil)

	c := r.waitComplete(t)
	assert.Equal(t, OperationNegotiation, c.op)
	assert.NoError(t, c.err)
	assert.Equal(t, TransportStateRunning, tr.State())
	assert.True(t, tr.SessionComplete())
	assert.False(t, tr.SessionRunning())
	assert.Equal(t, []netip.AddrPort{remoteAddr}, relay.boundChannels())

	def, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, pair.Local, def)

	valid, ok := tr.ValidPair(1)
	require.True(t, ok)
	assert.Equal(t, pair, valid)

	require.NoError(t, tr.SendTo(1, []byte("hello"), remoteAddr))
	relay.mu.Lock()
	require.Len(t, relay.sent, 1)
	assert.Equal(t, remoteAddr, relay.sent[0].to)
	assert.Equal(t, []byte("hello"), relay.sent[0].data)
	relay.mu.Unlock()
}

func TestTransportNegotiationFailure(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(NewConfiguration(1), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	assert.NoError(t, r.waitComplete(t).err)
	require.NoError(t, tr.InitICE(RoleControlling, "", ""))
	require.NoError(t, tr.StartICE("ufrag", "pwd", remoteCandidates()))

	n.session().finish(errTest)

	c := r.waitComplete(t)
	assert.Equal(t, OperationNegotiation, c.op)
	var negotiationErr *iceerr.NegotiationError
	assert.ErrorAs(t, c.err, &negotiationErr)
	assert.Equal(t, TransportStateFailed, tr.State())

	// After a failure data goes out on the default candidate.
	require.NoError(t, tr.SendTo(1, []byte("fallback"), remoteAddr))
	sent := n.binding(1).sentPackets()
	require.Len(t, sent, 1)
	assert.Equal(t, remoteAddr, sent[0].to)
}

func TestTransportNegotiationReportedOnce(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(NewConfiguration(1), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	assert.NoError(t, r.waitComplete(t).err)
	require.NoError(t, tr.InitICE(RoleControlling, "", ""))
	require.NoError(t, tr.StartICE("ufrag", "pwd", remoteCandidates()))

	sess := n.session()
	sess.finish(errTest)
	c := r.waitComplete(t)
	assert.Equal(t, OperationNegotiation, c.op)
	assert.ErrorIs(t, c.err, errTest)

	// A repeated result for the same attempt is ignored.
	sess.finish(nil)
	r.expectNoCompletion(t)
	assert.Equal(t, TransportStateFailed, tr.State())

	// A new session reports again.
	require.NoError(t, tr.StopICE())
	require.NoError(t, tr.InitICE(RoleControlling, "", ""))
	require.NoError(t, tr.StartICE("ufrag", "pwd", remoteCandidates()))
	require.NotSame(t, sess, n.session())
	n.session().finish(nil)
	c = r.waitComplete(t)
	assert.Equal(t, OperationNegotiation, c.op)
	assert.NoError(t, c.err)
	assert.Equal(t, TransportStateRunning, tr.State())

	n.session().finish(errTest)
	r.expectNoCompletion(t)
	assert.Equal(t, TransportStateRunning, tr.State())
}

func TestTransportSendTo(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(NewConfiguration(1), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)
	assert.NoError(t, r.waitComplete(t).err)

	assert.ErrorIs(t, tr.SendTo(1, nil, remoteAddr), ErrEmptyPayload)
	assert.ErrorIs(t, tr.SendTo(2, []byte("x"), remoteAddr), ErrUnknownComponent)

	require.NoError(t, tr.SendTo(1, []byte("early"), remoteAddr))
	require.Len(t, n.binding(1).sentPackets(), 1)

	// With a session and no valid pair the session refuses to send.
	require.NoError(t, tr.InitICE(RoleControlling, "", ""))
	assert.ErrorIs(t, tr.SendTo(1, []byte("x"), remoteAddr), errFakeNoPair)

	host, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	n.session().setValid(1, CandidatePair{Local: host, Remote: remoteCandidates()[0]})
	require.NoError(t, tr.SendTo(1, []byte("checked"), remoteAddr))
	sent := n.binding(1).sentPackets()
	require.Len(t, sent, 2)
	assert.Equal(t, []byte("checked"), sent[1].data)

	noHosts := newFakeNetwork()
	config := NewConfiguration(1)
	config.STUN.MaxHostCandidates = 0
	empty, err := noHosts.api().NewTransport(config, newRecorder().callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, empty)
	assert.ErrorIs(t, empty.SendTo(1, []byte("x"), remoteAddr), ErrNoDefaultCandidate)
}

func TestTransportReceive(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(NewConfiguration(1), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)
	assert.NoError(t, r.waitComplete(t).err)

	n.binding(1).receive([]byte("early"), remoteAddr)
	p := r.waitReceive(t)
	assert.Equal(t, 1, p.componentID)
	assert.Equal(t, []byte("early"), p.data)
	assert.Equal(t, remoteAddr, p.from)

	require.NoError(t, tr.InitICE(RoleControlled, "", ""))
	sess := n.session()

	n.binding(1).receive([]byte("check"), remoteAddr)
	handled := sess.handledPackets()
	require.Len(t, handled, 1)
	assert.Equal(t, TransportBinding, handled[0].transportID)
	assert.Equal(t, []byte("check"), handled[0].data)

	sess.deliver(1, []byte("media"), remoteAddr)
	p = r.waitReceive(t)
	assert.Equal(t, []byte("media"), p.data)
}

func TestTransportStopICE(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(NewConfiguration(1), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)
	assert.NoError(t, r.waitComplete(t).err)

	require.NoError(t, tr.InitICE(RoleControlling, "", ""))
	require.NoError(t, tr.StartICE("ufrag", "pwd", remoteCandidates()))
	old := n.session()

	require.NoError(t, tr.StopICE())
	assert.True(t, old.isClosed())
	assert.False(t, tr.HasSession())
	assert.Equal(t, TransportStateInit, tr.State())

	// Callbacks of a stopped session are ignored.
	old.finish(nil)
	r.expectNoCompletion(t)
	old.deliver(1, []byte("stale"), remoteAddr)
	select {
	case p := <-r.received:
		assert.Failf(t, "unexpected data", "%q", p.data)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tr.InitICE(RoleControlled, "", ""))
	assert.NotSame(t, old, n.session())
	assert.Equal(t, TransportStateSessionReady, tr.State())
	assert.Equal(t, 1, tr.RunningComponentCount())
}

func TestTransportConcurrentQueries(t *testing.T) {
	lim := test.TimeOut(time.Second * 30)
	defer lim.Stop()

	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(stunConfig(), r.callbacks())
	require.NoError(t, err)
	defer destroyTransport(t, tr)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = tr.State()
				_, _ = tr.Candidates(1)
				_, _ = tr.DefaultCandidate(1)
				_ = tr.HasSession()
				_ = tr.RunningComponentCount()
			}
		}()
	}
	n.binding(1).succeed(BindingOpBinding, mappedAddr)
	wg.Wait()

	assert.NoError(t, r.waitComplete(t).err)
	assert.Equal(t, TransportStateReady, tr.State())
	def, err := tr.DefaultCandidate(1)
	require.NoError(t, err)
	assert.Equal(t, mappedAddr, def.Address)
}

func TestTransportDestroy(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")
	r := newRecorder()
	tr, err := n.api().NewTransport(turnConfig(), r.callbacks())
	require.NoError(t, err)

	relay := n.relay(1)
	relay.ready(relayedAddr, mappedAddr)
	assert.NoError(t, r.waitComplete(t).err)
	require.NoError(t, tr.InitICE(RoleControlling, "", ""))

	require.NoError(t, tr.Destroy())
	assert.Equal(t, TransportStateNull, tr.State())
	assert.True(t, n.binding(1).isClosed())
	assert.True(t, relay.isClosed())
	assert.True(t, n.session().isClosed())

	err = tr.Destroy()
	var stateErr *iceerr.InvalidStateError
	assert.ErrorAs(t, err, &stateErr)
	assert.ErrorIs(t, err, ErrTransportDestroyed)

	assert.ErrorIs(t, tr.InitICE(RoleControlling, "", ""), ErrTransportDestroyed)
	assert.ErrorIs(t, tr.SendTo(1, []byte("x"), remoteAddr), ErrTransportDestroyed)
	_, err = tr.Candidates(1)
	assert.ErrorIs(t, err, ErrTransportDestroyed)

	// Late collaborator callbacks are dropped.
	relay.lose(errTest)
	n.binding(1).receive([]byte("late"), remoteAddr)
	r.expectNoCompletion(t)
	assert.Empty(t, r.received)
}

func TestTransportDestroyFromCallback(t *testing.T) {
	lim := test.TimeOut(time.Second * 30)
	defer lim.Stop()

	n := newFakeNetwork("10.0.0.1:5000")
	var tr *Transport
	trReady := make(chan struct{})
	results := make(chan error, 1)
	callbacks := Callbacks{
		OnComplete: func(Operation, error) {
			<-trReady
			results <- tr.Destroy()
			// Teardown waits for this callback to return.
			assert.False(t, n.binding(1).isClosed())
		},
	}

	var err error
	tr, err = n.api().NewTransport(NewConfiguration(1), callbacks)
	require.NoError(t, err)
	close(trReady)

	assert.ErrorIs(t, <-results, ErrDestroyPending)
	assert.Eventually(t, n.binding(1).isClosed, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, TransportStateNull, tr.State())
	assert.True(t, iceerr.IsUsage(tr.Destroy()))
}

func TestNewTransportValidation(t *testing.T) {
	n := newFakeNetwork("10.0.0.1:5000")

	_, err := n.api().NewTransport(NewConfiguration(0), Callbacks{})
	assert.ErrorIs(t, err, ErrComponentCount)
	assert.True(t, iceerr.IsUsage(err))

	_, err = n.api().NewTransport(NewConfiguration(MaxComponents+1), Callbacks{})
	assert.ErrorIs(t, err, ErrComponentCount)

	config := turnConfig()
	config.TURN.Password = ""
	_, err = n.api().NewTransport(config, Callbacks{})
	assert.ErrorIs(t, err, ErrNoTURNCredentials)

	n.bindingErr = errTest
	_, err = n.api().NewTransport(NewConfiguration(1), Callbacks{})
	var initErr *iceerr.InitError
	assert.ErrorAs(t, err, &initErr)
	assert.ErrorIs(t, err, errTest)
}
