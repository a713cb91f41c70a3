// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/icestream/pkg/iceerr"
)

// This is done this way because of a linter.
const (
	networkUDPStr = "udp"
	networkTCPStr = "tcp"
)

// STUNConfig configures the binding socket of every component.
type STUNConfig struct {
	// Server is the STUN server as "host" or "host:port". When empty no
	// server reflexive candidate is gathered.
	Server string

	// MaxHostCandidates bounds the host candidates of a component. Zero
	// disables host candidates.
	MaxHostCandidates int

	// IncludeLoopback keeps loopback addresses as host candidates.
	IncludeLoopback bool

	// IgnoreErrors makes STUN resolution, binding and keep-alive failures
	// non-fatal. Gathering then completes without a server reflexive
	// candidate.
	IgnoreErrors bool
}

// TURNConfig configures the relay allocation of every component.
type TURNConfig struct {
	// Server is the TURN server as "host" or "host:port". When empty no
	// relayed candidate is gathered.
	Server string

	// Network is "udp" or "tcp", the transport used to reach the server.
	Network string

	Username string
	Password string
	Realm    string
}

// ComponentConfig overrides transport settings for one component.
type ComponentConfig struct {
	QoS QoSType
}

// Configuration defines how the candidates of a Transport are gathered.
type Configuration struct {
	// ComponentCount is the number of components, 1..MaxComponents.
	ComponentCount int

	STUN STUNConfig
	TURN TURNConfig

	// QoS is the traffic class of every component's sockets.
	QoS QoSType

	// Components holds per-component overrides. Entry i applies to
	// component i+1.
	Components []ComponentConfig

	// SessionOptions are passed to the connectivity-check session.
	SessionOptions SessionOptions
}

// NewConfiguration returns a Configuration for componentCount components
// with the library defaults.
func NewConfiguration(componentCount int) Configuration {
	return Configuration{
		ComponentCount: componentCount,
		STUN: STUNConfig{
			MaxHostCandidates: defaultMaxHostCandidates,
		},
		TURN: TURNConfig{
			Network: networkUDPStr,
		},
		SessionOptions: SessionOptions{
			AggressiveNomination: true,
		},
	}
}

func (c Configuration) validate() error {
	if c.ComponentCount < 1 || c.ComponentCount > MaxComponents {
		return &iceerr.InvalidArgumentError{Err: fmt.Errorf("%w: %d", ErrComponentCount, c.ComponentCount)}
	}

	if c.TURN.Server != "" {
		if c.TURN.Username == "" || c.TURN.Password == "" {
			return &iceerr.InvalidArgumentError{Err: ErrNoTURNCredentials}
		}
		switch c.TURN.Network {
		case "", networkUDPStr, networkTCPStr:
		default:
			return &iceerr.InvalidArgumentError{Err: fmt.Errorf("%w: %s", errUnsupportedNetwork, c.TURN.Network)}
		}
	}

	if c.STUN.MaxHostCandidates < 0 {
		return &iceerr.InvalidArgumentError{Err: fmt.Errorf("%w: %d", errMaxHostCandidates, c.STUN.MaxHostCandidates)}
	}

	return nil
}

// componentQoS returns the traffic class of a component.
func (c Configuration) componentQoS(componentID int) QoSType {
	if componentID >= 1 && componentID <= len(c.Components) {
		if qos := c.Components[componentID-1].QoS; qos != QoSTypeBestEffort {
			return qos
		}
	}

	return c.QoS
}

func (c TURNConfig) network() string {
	if c.Network == "" {
		return networkUDPStr
	}

	return c.Network
}

// withDefaultPort appends the STUN port when server has none.
func withDefaultPort(server string) string {
	if server == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}

	return net.JoinHostPort(server, strconv.Itoa(defaultSTUNPort))
}
