// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package turnsock implements a TURN relay allocation on top of pion/turn.
package turnsock

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/turn/v4"
	"golang.org/x/net/ipv4"
)

// State is the allocation state.
type State int

// Allocation states, in lifecycle order. States from StateDeallocating on
// mean the allocation is unusable.
const (
	StateNull State = iota
	StateResolving
	StateAllocating
	StateReady
	StateDeallocating
	StateDeallocated
	StateDestroying
)

const (
	receiveMTU = 1460

	networkUDP = "udp"
	networkTCP = "tcp"
)

var (
	// ErrClosed indicates the socket was closed.
	ErrClosed = errors.New("turnsock: socket closed")
	// ErrNotReady indicates data was sent before the allocation completed.
	ErrNotReady = errors.New("turnsock: allocation not ready")
	// ErrAllocateCalled indicates Allocate was called twice.
	ErrAllocateCalled = errors.New("turnsock: allocate already called")

	errUnsupportedNetwork = errors.New("turnsock: unsupported network")
	errNoNet              = errors.New("turnsock: no Net configured")
	errNotUDPAddr         = errors.New("turnsock: not a UDP address")
)

// Info accompanies a state change.
type Info struct {
	RelayedAddress netip.AddrPort
	MappedAddress  netip.AddrPort
	LastErr        error
}

// Config configures a Socket.
type Config struct {
	// Net creates the connection to the server. Required.
	Net transport.Net
	// Server is the TURN server as "host:port".
	Server string
	// Network is "udp" (default) or "tcp".
	Network  string
	Username string
	Password string
	Realm    string
	Software string
	RTO      time.Duration
	TOS      int

	LoggerFactory logging.LoggerFactory

	OnState   func(oldState, newState State, info Info)
	OnReceive func(data []byte, from netip.AddrPort)
}

// permissionCreator is implemented by relayed connections that can install
// permissions without sending data.
type permissionCreator interface {
	CreatePermissions(addrs ...net.Addr) error
}

// Socket is one TURN allocation.
type Socket struct {
	config Config
	log    logging.LeveledLogger

	lock      sync.Mutex
	state     State
	info      Info
	conn      net.PacketConn
	client    *turn.Client
	relay     net.PacketConn
	allocated bool
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates an idle socket. Nothing is sent before Allocate.
func New(config Config) (*Socket, error) {
	if config.Net == nil {
		return nil, errNoNet
	}
	if config.Network == "" {
		config.Network = networkUDP
	}
	if config.Network != networkUDP && config.Network != networkTCP {
		return nil, fmt.Errorf("%w: %s", errUnsupportedNetwork, config.Network)
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Socket{
		config: config,
		log:    config.LoggerFactory.NewLogger("turnsock"),
		closed: make(chan struct{}),
	}, nil
}

// Allocate connects to the server and requests an allocation. Progress is
// reported through OnState. It returns immediately.
func (s *Socket) Allocate() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.isClosed() {
		return ErrClosed
	}
	if s.allocated {
		return ErrAllocateCalled
	}
	s.allocated = true

	go s.run()

	return nil
}

// State returns the current allocation state.
func (s *Socket) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state
}

// SetPermissions installs permissions for the peers. When the relayed
// connection cannot create them eagerly they are installed on first send.
func (s *Socket) SetPermissions(peers []netip.AddrPort) error {
	s.lock.Lock()
	relay := s.relay
	addrs := make([]net.Addr, 0, len(peers))
	for _, peer := range peers {
		addrs = append(addrs, net.UDPAddrFromAddrPort(peer))
	}
	s.lock.Unlock()

	if relay == nil {
		return ErrNotReady
	}

	if creator, ok := relay.(permissionCreator); ok && len(addrs) > 0 {
		return creator.CreatePermissions(addrs...)
	}

	return nil
}

// BindChannel is advisory: pion/turn binds a channel to a peer on the
// first send to it, so this only checks that the allocation is ready.
func (s *Socket) BindChannel(peer netip.AddrPort) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.relay == nil {
		return fmt.Errorf("%w: channel to %s", ErrNotReady, peer)
	}

	return nil
}

// SendTo relays data to a peer.
func (s *Socket) SendTo(data []byte, to netip.AddrPort) error {
	s.lock.Lock()
	relay := s.relay
	s.lock.Unlock()

	if s.isClosed() {
		return ErrClosed
	}
	if relay == nil {
		return ErrNotReady
	}

	_, err := relay.WriteTo(data, net.UDPAddrFromAddrPort(to))

	return err
}

// Close releases the allocation. It does not wait for the read loop so it
// is safe to call from a callback.
func (s *Socket) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.lock.Lock()
		close(s.closed)
		relay, client, conn := s.relay, s.client, s.conn
		s.relay = nil
		s.lock.Unlock()

		if relay != nil {
			errs = append(errs, relay.Close())
		}
		if client != nil {
			client.Close()
		}
		if conn != nil {
			errs = append(errs, conn.Close())
		}
	})

	return errors.Join(errs...)
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Socket) setState(state State, update func(info *Info)) {
	s.lock.Lock()
	if s.isClosed() {
		s.lock.Unlock()

		return
	}
	old := s.state
	s.state = state
	if update != nil {
		update(&s.info)
	}
	info := s.info
	s.lock.Unlock()

	if old == state {
		return
	}
	s.log.Debugf("TURN allocation on %s: %d -> %d", s.config.Server, old, state)
	if s.config.OnState != nil {
		s.config.OnState(old, state, info)
	}
}

func (s *Socket) fail(err error) {
	s.log.Warnf("TURN allocation on %s lost: %v", s.config.Server, err)
	s.setState(StateDeallocated, func(info *Info) {
		info.LastErr = err
	})
}

func (s *Socket) run() {
	s.setState(StateResolving, nil)

	conn, err := s.dial()
	if err != nil {
		s.fail(err)

		return
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: s.config.Server,
		TURNServerAddr: s.config.Server,
		Conn:           conn,
		Username:       s.config.Username,
		Password:       s.config.Password,
		Realm:          s.config.Realm,
		Software:       s.config.Software,
		RTO:            s.config.RTO,
		LoggerFactory:  s.config.LoggerFactory,
	})
	if err != nil {
		_ = conn.Close()
		s.fail(err)

		return
	}

	s.lock.Lock()
	if s.isClosed() {
		s.lock.Unlock()
		client.Close()
		_ = conn.Close()

		return
	}
	s.conn, s.client = conn, client
	s.lock.Unlock()

	if err = client.Listen(); err != nil {
		s.fail(err)

		return
	}

	s.setState(StateAllocating, nil)

	relay, err := client.Allocate()
	if err != nil {
		s.fail(err)

		return
	}

	relayed, err := toAddrPort(relay.LocalAddr())
	if err != nil {
		_ = relay.Close()
		s.fail(err)

		return
	}

	var mapped netip.AddrPort
	if mappedAddr, bindErr := client.SendBindingRequest(); bindErr == nil {
		mapped, _ = toAddrPort(mappedAddr)
	}

	s.lock.Lock()
	if s.isClosed() {
		s.lock.Unlock()
		_ = relay.Close()

		return
	}
	s.relay = relay
	s.lock.Unlock()

	s.log.Infof("TURN allocation on %s ready: relayed %s mapped %s", s.config.Server, relayed, mapped)
	s.setState(StateReady, func(info *Info) {
		info.RelayedAddress = relayed
		info.MappedAddress = mapped
		info.LastErr = nil
	})

	s.readLoop(relay)
}

func (s *Socket) dial() (net.PacketConn, error) {
	if s.config.Network == networkTCP {
		tcpConn, err := s.config.Net.Dial("tcp4", s.config.Server)
		if err != nil {
			return nil, err
		}

		return turn.NewSTUNConn(tcpConn), nil
	}

	conn, err := s.config.Net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}

	if s.config.TOS != 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(s.config.TOS); err != nil {
			s.log.Warnf("Failed to set TOS %#x: %v", s.config.TOS, err)
		}
	}

	return conn, nil
}

func (s *Socket) readLoop(relay net.PacketConn) {
	buf := make([]byte, receiveMTU)
	for {
		n, addr, err := relay.ReadFrom(buf)
		if err != nil {
			if !s.isClosed() {
				s.fail(err)
			}

			return
		}

		from, err := toAddrPort(addr)
		if err != nil {
			continue
		}

		if s.config.OnReceive != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.config.OnReceive(data, from)
		}
	}
}

func toAddrPort(addr net.Addr) (netip.AddrPort, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", errNotUDPAddr, addr)
	}
	ap := udpAddr.AddrPort()

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
