// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"net/netip"
	"time"

	"github.com/pion/logging"
)

// BindingOp identifies the STUN operation a binding status refers to.
type BindingOp int

const (
	// BindingOpDNS is the resolution of the STUN server name.
	BindingOpDNS BindingOp = iota + 1

	// BindingOpBinding is the initial Binding transaction.
	BindingOpBinding

	// BindingOpMappedAddressChange is a keep-alive that found a new mapped
	// address.
	BindingOpMappedAddressChange

	// BindingOpKeepAlive is a periodic keep-alive Binding transaction.
	BindingOpKeepAlive
)

func (o BindingOp) String() string {
	switch o {
	case BindingOpDNS:
		return "dns"
	case BindingOpBinding:
		return "binding"
	case BindingOpMappedAddressChange:
		return "mapped-address-change"
	case BindingOpKeepAlive:
		return "keep-alive"
	default:
		return unknownStr
	}
}

// BindingSocketConfig is passed to a BindingFactory. The callbacks may be
// invoked from any goroutine.
type BindingSocketConfig struct {
	ComponentID int
	QoS         QoSType
	// OnStatus reports the outcome of a STUN operation. A nil err means
	// success.
	OnStatus func(op BindingOp, err error)
	// OnReceive delivers every packet that is not a response to one of the
	// socket's own STUN transactions.
	OnReceive func(data []byte, from netip.AddrPort)
}

// BindingSocket is a UDP socket that can learn its public mapping from a
// STUN server. Start must not block on the network nor invoke the callbacks
// before it returns.
type BindingSocket interface {
	// Start begins the Binding transaction against server ("host:port").
	Start(server string) error
	// LocalAliases returns the transport addresses the socket is reachable
	// on, one per local interface address.
	LocalAliases() []netip.AddrPort
	// MappedAddress returns the last address reported by the STUN server.
	MappedAddress() (netip.AddrPort, bool)
	SendTo(data []byte, to netip.AddrPort) error
	Close() error
}

// BindingFactory creates the binding socket of one component.
type BindingFactory func(config BindingSocketConfig) (BindingSocket, error)

// RelayState is the state of a TURN allocation.
type RelayState int

const (
	// RelayStateNull is the enum's zero-value
	RelayStateNull RelayState = iota

	// RelayStateResolving indicates the server name is being resolved.
	RelayStateResolving

	// RelayStateAllocating indicates the Allocate transaction is running.
	RelayStateAllocating

	// RelayStateReady indicates the relayed address can carry data.
	RelayStateReady

	// RelayStateDeallocating indicates the allocation is being released.
	RelayStateDeallocating

	// RelayStateDeallocated indicates the allocation is gone.
	RelayStateDeallocated

	// RelayStateDestroying indicates the socket is closing.
	RelayStateDestroying
)

func (s RelayState) String() string {
	switch s {
	case RelayStateNull:
		return "null"
	case RelayStateResolving:
		return "resolving"
	case RelayStateAllocating:
		return "allocating"
	case RelayStateReady:
		return "ready"
	case RelayStateDeallocating:
		return "deallocating"
	case RelayStateDeallocated:
		return "deallocated"
	case RelayStateDestroying:
		return "destroying"
	default:
		return unknownStr
	}
}

// isLoss reports whether s means the allocation is no longer usable.
func (s RelayState) isLoss() bool {
	return s >= RelayStateDeallocating
}

// RelayInfo accompanies a relay state change.
type RelayInfo struct {
	RelayedAddress netip.AddrPort
	MappedAddress  netip.AddrPort
	// LastErr is the error that caused a loss, if any.
	LastErr error
}

// RelaySocketConfig is passed to a RelayFactory.
type RelaySocketConfig struct {
	ComponentID int
	// Server is the TURN server as "host:port".
	Server string
	// Network is "udp" or "tcp" and selects the transport to the server.
	Network  string
	Username string
	Password string
	Realm    string
	QoS      QoSType
	// LoggerFactory is used by the socket for its own logging.
	LoggerFactory logging.LoggerFactory

	OnState   func(oldState, newState RelayState, info RelayInfo)
	OnReceive func(data []byte, from netip.AddrPort)
}

// RelaySocket is a TURN client allocation. Allocate must not block on the
// network. Progress is reported through OnState after Allocate returns.
type RelaySocket interface {
	Allocate() error
	// SetPermissions installs permissions for the peers' IP addresses.
	SetPermissions(peers []netip.AddrPort) error
	// BindChannel binds a channel to peer so data to it is framed compactly.
	BindChannel(peer netip.AddrPort) error
	SendTo(data []byte, to netip.AddrPort) error
	Close() error
}

// RelayFactory creates the relay socket of one component. It is called
// again to replace a lost allocation.
type RelayFactory func(config RelaySocketConfig) (RelaySocket, error)

// SessionOptions tune nomination in the connectivity-check session.
type SessionOptions struct {
	// AggressiveNomination sets USE-CANDIDATE on every check sent by the
	// controlling agent.
	AggressiveNomination bool
	// NominatedCheckDelay is how long the controlling agent waits for
	// higher priority pairs before nominating a valid pair in regular
	// nomination.
	NominatedCheckDelay time.Duration
	// ControlledAgentWantNomTimeout is how long the controlled agent waits
	// for a nomination after its first valid pair.
	ControlledAgentWantNomTimeout time.Duration
}

// SessionConfig is passed to a SessionFactory.
type SessionConfig struct {
	Role           Role
	ComponentCount int
	LocalUfrag     string
	LocalPwd       string
	Options        SessionOptions
	LoggerFactory  logging.LoggerFactory

	// OnComplete is invoked once when every component has a nominated
	// pair (nil) or the checks failed.
	OnComplete func(err error)
	// OnTx asks the owner to send data from the given local transport.
	OnTx func(componentID int, transportID TransportID, data []byte, to netip.AddrPort) error
	// OnRx delivers application data received on a checked path.
	OnRx func(componentID int, transportID TransportID, data []byte, from netip.AddrPort)
}

// Session runs ICE connectivity checks over candidates it does not own.
// Implementations must not invoke SessionConfig callbacks while holding
// their own locks. Only SendData and HandlePacket may invoke them before
// returning.
type Session interface {
	AddCandidate(candidate Candidate) error
	// Candidates returns the local candidates registered for a component.
	Candidates(componentID int) []Candidate
	CreateCheckList(remoteUfrag, remotePwd string, remote []Candidate) error
	StartChecks() error
	// SendData sends over the valid pair of the component.
	SendData(componentID int, data []byte) error
	// HandlePacket gives a packet received on a local transport to the
	// session. STUN checks are consumed, data goes to OnRx.
	HandlePacket(componentID int, transportID TransportID, data []byte, from netip.AddrPort)
	ValidPair(componentID int) (CandidatePair, bool)
	Role() Role
	SetRole(role Role) error
	Options() SessionOptions
	SetOptions(options SessionOptions)
	// IsRunning reports whether checks were started.
	IsRunning() bool
	// IsComplete reports whether OnComplete was invoked.
	IsComplete() bool
	Close() error
}

// SessionFactory creates a connectivity-check session.
type SessionFactory func(config SessionConfig) (Session, error)
