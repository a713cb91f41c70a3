// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
)

// SettingEngine allows influencing behavior in ways that are not exposed
// by Configuration. Settings apply to every Transport created by the API
// that owns the engine.
type SettingEngine struct {
	timeout struct {
		STUNRTO            *time.Duration
		STUNKeepAlive      *time.Duration
		CheckInterval      *time.Duration
		NegotiationTimeout *time.Duration
	}
	factories struct {
		Binding BindingFactory
		Relay   RelayFactory
		Session SessionFactory
	}
	bindAddress   string
	net           transport.Net
	LoggerFactory logging.LoggerFactory
}

// SetSTUNTimeouts sets the initial retransmission timeout of STUN
// transactions and the interval between keep-alives.
func (e *SettingEngine) SetSTUNTimeouts(rto, keepAlive time.Duration) {
	e.timeout.STUNRTO = &rto
	e.timeout.STUNKeepAlive = &keepAlive
}

// SetCheckInterval sets the pacing of connectivity checks.
func (e *SettingEngine) SetCheckInterval(interval time.Duration) {
	e.timeout.CheckInterval = &interval
}

// SetNegotiationTimeout sets how long connectivity checks may run before
// negotiation fails.
func (e *SettingEngine) SetNegotiationTimeout(timeout time.Duration) {
	e.timeout.NegotiationTimeout = &timeout
}

// SetNet sets the Net instance sockets are created with. Use a vnet.Net to
// run transports over a virtual network.
func (e *SettingEngine) SetNet(net transport.Net) {
	e.net = net
}

// SetBindAddress sets the local address binding sockets are bound to,
// "0.0.0.0:0" by default.
func (e *SettingEngine) SetBindAddress(address string) {
	e.bindAddress = address
}

// SetBindingFactory replaces the STUN binding socket implementation.
func (e *SettingEngine) SetBindingFactory(factory BindingFactory) {
	e.factories.Binding = factory
}

// SetRelayFactory replaces the TURN relay socket implementation.
func (e *SettingEngine) SetRelayFactory(factory RelayFactory) {
	e.factories.Relay = factory
}

// SetSessionFactory replaces the connectivity-check session implementation.
func (e *SettingEngine) SetSessionFactory(factory SessionFactory) {
	e.factories.Session = factory
}

func (e *SettingEngine) stunRTO() time.Duration {
	if e.timeout.STUNRTO != nil {
		return *e.timeout.STUNRTO
	}

	return defaultSTUNRTO
}

func (e *SettingEngine) stunKeepAlive() time.Duration {
	if e.timeout.STUNKeepAlive != nil {
		return *e.timeout.STUNKeepAlive
	}

	return defaultSTUNKeepAlive
}

func (e *SettingEngine) checkInterval() time.Duration {
	if e.timeout.CheckInterval != nil {
		return *e.timeout.CheckInterval
	}

	return defaultCheckInterval
}

func (e *SettingEngine) negotiationTimeout() time.Duration {
	if e.timeout.NegotiationTimeout != nil {
		return *e.timeout.NegotiationTimeout
	}

	return defaultNegotiationTimeout
}
