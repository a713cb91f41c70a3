// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package stunsock implements a UDP socket that discovers and keeps alive
// its server reflexive mapping with STUN Binding transactions.
package stunsock

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/icestream/internal/mux"
	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/pion/transport/v4"
	"golang.org/x/net/ipv4"
)

// Op identifies the STUN operation a status refers to.
type Op int

const (
	// OpDNS is the resolution of the server name.
	OpDNS Op = iota + 1
	// OpBinding is the first Binding transaction.
	OpBinding
	// OpMappedAddressChange is a keep-alive that returned a new mapping.
	OpMappedAddressChange
	// OpKeepAlive is a keep-alive that returned the known mapping, or
	// failed.
	OpKeepAlive
)

const (
	receiveMTU = 1460

	// RFC 5389 section 7.2.1 defaults.
	maxRequests       = 7
	lastWaitMultipler = 16

	defaultRTO       = 500 * time.Millisecond
	defaultKeepAlive = 15 * time.Second
)

var (
	// ErrClosed indicates the socket was closed.
	ErrClosed = errors.New("stunsock: socket closed")
	// ErrTimeout indicates a Binding transaction got no response.
	ErrTimeout = errors.New("stunsock: transaction timed out")
	// ErrStarted indicates Start was called twice.
	ErrStarted = errors.New("stunsock: already started")

	errNoMappedAddress = errors.New("stunsock: response without mapped address")
	errErrorResponse   = errors.New("stunsock: error response")
	errNotUDPAddr      = errors.New("stunsock: not a UDP address")
	errNoNet           = errors.New("stunsock: no Net configured")
)

// Config configures a Socket.
type Config struct {
	// Net creates the socket and enumerates interfaces. Required.
	Net transport.Net
	// BindAddress is the local address to bind, "0.0.0.0:0" when empty.
	BindAddress string
	// TOS is applied to outgoing IPv4 packets when non-zero.
	TOS int
	// RTO is the initial retransmission timeout.
	RTO time.Duration
	// KeepAlive is the interval between keep-alive transactions.
	KeepAlive time.Duration

	LoggerFactory logging.LoggerFactory

	OnStatus  func(op Op, err error)
	OnReceive func(data []byte, from netip.AddrPort)
}

type result struct {
	mapped netip.AddrPort
	err    error
}

// Socket is a STUN-aware UDP socket.
type Socket struct {
	conn   net.PacketConn
	net    transport.Net
	config Config
	log    logging.LeveledLogger

	lock      sync.Mutex
	started   bool
	mapped    netip.AddrPort
	pending   map[[stun.TransactionIDSize]byte]chan result
	closed    chan struct{}
	closeOnce sync.Once
}

// New binds a UDP socket and starts reading from it.
func New(config Config) (*Socket, error) {
	if config.Net == nil {
		return nil, errNoNet
	}
	if config.RTO <= 0 {
		config.RTO = defaultRTO
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaultKeepAlive
	}
	if config.BindAddress == "" {
		config.BindAddress = "0.0.0.0:0"
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	conn, err := config.Net.ListenPacket("udp4", config.BindAddress)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		conn:    conn,
		net:     config.Net,
		config:  config,
		log:     config.LoggerFactory.NewLogger("stunsock"),
		pending: map[[stun.TransactionIDSize]byte]chan result{},
		closed:  make(chan struct{}),
	}

	if config.TOS != 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(config.TOS); err != nil {
			s.log.Warnf("Failed to set TOS %#x on %s: %v", config.TOS, conn.LocalAddr(), err)
		}
	}

	go s.readLoop()

	return s, nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort {
	addr, _ := toAddrPort(s.conn.LocalAddr())

	return addr
}

// LocalAliases returns the bound port on every up IPv4 interface address,
// link-local addresses excluded. When the socket is bound to a specific
// address only that address is returned.
func (s *Socket) LocalAliases() []netip.AddrPort {
	local := s.LocalAddr()
	if !local.Addr().IsUnspecified() {
		return []netip.AddrPort{local}
	}

	ifaces, err := s.net.Interfaces()
	if err != nil {
		s.log.Warnf("Failed to enumerate interfaces: %v", err)

		return nil
	}

	var aliases []netip.AddrPort
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch a := addr.(type) {
			case *net.IPNet:
				ip = a.IP
			case *net.IPAddr:
				ip = a.IP
			}
			parsed, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			parsed = parsed.Unmap()
			if !parsed.Is4() || parsed.IsLinkLocalUnicast() {
				continue
			}
			aliases = append(aliases, netip.AddrPortFrom(parsed, local.Port()))
		}
	}

	return aliases
}

// MappedAddress returns the last address reported by the server.
func (s *Socket) MappedAddress() (netip.AddrPort, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.mapped, s.mapped.IsValid()
}

// Start resolves server and runs the Binding transaction followed by
// periodic keep-alives. It returns immediately. An empty server makes the
// socket a plain host socket.
func (s *Socket) Start(server string) error {
	s.lock.Lock()
	if s.started {
		s.lock.Unlock()

		return ErrStarted
	}
	s.started = true
	s.lock.Unlock()

	if server == "" {
		return nil
	}

	go s.run(server)

	return nil
}

// SendTo writes data to the given address.
func (s *Socket) SendTo(data []byte, to netip.AddrPort) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	_, err := s.conn.WriteTo(data, net.UDPAddrFromAddrPort(to))

	return err
}

// Close stops every goroutine of the socket. It does not wait for them,
// so it is safe to call from OnStatus or OnReceive.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})

	return err
}

func (s *Socket) status(op Op, err error) {
	select {
	case <-s.closed:
		return
	default:
	}

	if s.config.OnStatus != nil {
		s.config.OnStatus(op, err)
	}
}

func (s *Socket) run(server string) {
	serverAddr, err := s.net.ResolveUDPAddr("udp4", server)
	if err != nil {
		s.log.Warnf("Failed to resolve STUN server %s: %v", server, err)
		s.status(OpDNS, err)

		return
	}

	to, err := toAddrPort(serverAddr)
	if err != nil {
		s.status(OpDNS, err)

		return
	}

	mapped, err := s.binding(to)
	if err != nil {
		s.log.Warnf("Binding with %s failed: %v", to, err)
		s.status(OpBinding, err)

		return
	}
	s.setMapped(mapped)
	s.log.Debugf("Mapped address of %s is %s", s.conn.LocalAddr(), mapped)
	s.status(OpBinding, nil)

	ticker := time.NewTicker(s.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}

		mapped, err := s.binding(to)
		if err != nil {
			s.log.Debugf("Keep-alive with %s failed: %v", to, err)
			s.status(OpKeepAlive, err)

			continue
		}

		if s.setMapped(mapped) {
			s.log.Infof("Mapped address of %s changed to %s", s.conn.LocalAddr(), mapped)
			s.status(OpMappedAddressChange, nil)
		} else {
			s.status(OpKeepAlive, nil)
		}
	}
}

// setMapped records mapped and reports whether it differs from the
// previous mapping.
func (s *Socket) setMapped(mapped netip.AddrPort) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	changed := s.mapped.IsValid() && s.mapped != mapped
	s.mapped = mapped

	return changed
}

// binding runs one Binding transaction with retransmissions.
func (s *Socket) binding(to netip.AddrPort) (netip.AddrPort, error) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return netip.AddrPort{}, err
	}

	ch := make(chan result, 1)
	s.lock.Lock()
	s.pending[msg.TransactionID] = ch
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		delete(s.pending, msg.TransactionID)
		s.lock.Unlock()
	}()

	rto := s.config.RTO
	for attempt := 1; attempt <= maxRequests; attempt++ {
		if err := s.SendTo(msg.Raw, to); err != nil {
			return netip.AddrPort{}, err
		}

		wait := rto
		if attempt == maxRequests {
			wait = s.config.RTO * lastWaitMultipler
		}

		timer := time.NewTimer(wait)
		select {
		case res := <-ch:
			timer.Stop()

			return res.mapped, res.err
		case <-s.closed:
			timer.Stop()

			return netip.AddrPort{}, ErrClosed
		case <-timer.C:
		}
		rto *= 2
	}

	return netip.AddrPort{}, ErrTimeout
}

func (s *Socket) readLoop() {
	buf := make([]byte, receiveMTU)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Debugf("Read loop of %s stopped: %v", s.conn.LocalAddr(), err)
			}

			return
		}

		from, err := toAddrPort(addr)
		if err != nil {
			continue
		}

		if mux.MatchSTUN(buf[:n]) && s.handleResponse(buf[:n]) {
			continue
		}

		if s.config.OnReceive != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.config.OnReceive(data, from)
		}
	}
}

// handleResponse consumes responses to the socket's own transactions.
func (s *Socket) handleResponse(buf []byte) bool {
	msg := &stun.Message{Raw: append([]byte{}, buf...)}
	if err := msg.Decode(); err != nil {
		return false
	}

	if msg.Type.Method != stun.MethodBinding ||
		(msg.Type.Class != stun.ClassSuccessResponse && msg.Type.Class != stun.ClassErrorResponse) {
		return false
	}

	s.lock.Lock()
	ch, ok := s.pending[msg.TransactionID]
	s.lock.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- parseResponse(msg):
	default:
	}

	return true
}

func parseResponse(msg *stun.Message) result {
	if msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(msg); err != nil {
			return result{err: errErrorResponse}
		}

		return result{err: fmt.Errorf("%w: %s", errErrorResponse, code)}
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err == nil {
		if addr, ok := netip.AddrFromSlice(xorAddr.IP); ok {
			return result{mapped: netip.AddrPortFrom(addr.Unmap(), uint16(xorAddr.Port))} //nolint:gosec // G115
		}
	}

	var mapped stun.MappedAddress
	if err := mapped.GetFrom(msg); err == nil {
		if addr, ok := netip.AddrFromSlice(mapped.IP); ok {
			return result{mapped: netip.AddrPortFrom(addr.Unmap(), uint16(mapped.Port))} //nolint:gosec // G115
		}
	}

	return result{err: errNoMappedAddress}
}

func toAddrPort(addr net.Addr) (netip.AddrPort, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", errNotUDPAddr, addr)
	}
	ap := udpAddr.AddrPort()

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
