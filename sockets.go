// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"github.com/pion/icestream/internal/stunsock"
	"github.com/pion/icestream/internal/turnsock"
	"github.com/pion/transport/v4"
)

// newSTUNBindingFactory creates binding sockets backed by pion/stun.
func newSTUNBindingFactory(nw transport.Net, s *SettingEngine) BindingFactory {
	return func(config BindingSocketConfig) (BindingSocket, error) {
		sock, err := stunsock.New(stunsock.Config{
			Net:           nw,
			BindAddress:   s.bindAddress,
			TOS:           config.QoS.TOS(),
			RTO:           s.stunRTO(),
			KeepAlive:     s.stunKeepAlive(),
			LoggerFactory: s.LoggerFactory,
			OnStatus: func(op stunsock.Op, err error) {
				if config.OnStatus != nil {
					config.OnStatus(newBindingOpFromSTUN(op), err)
				}
			},
			OnReceive: config.OnReceive,
		})
		if err != nil {
			return nil, err
		}

		return sock, nil
	}
}

// newTURNRelayFactory creates relay sockets backed by pion/turn.
func newTURNRelayFactory(nw transport.Net, s *SettingEngine) RelayFactory {
	return func(config RelaySocketConfig) (RelaySocket, error) {
		loggerFactory := config.LoggerFactory
		if loggerFactory == nil {
			loggerFactory = s.LoggerFactory
		}

		sock, err := turnsock.New(turnsock.Config{
			Net:           nw,
			Server:        config.Server,
			Network:       config.Network,
			Username:      config.Username,
			Password:      config.Password,
			Realm:         config.Realm,
			RTO:           s.stunRTO(),
			TOS:           config.QoS.TOS(),
			LoggerFactory: loggerFactory,
			OnState: func(oldState, newState turnsock.State, info turnsock.Info) {
				if config.OnState != nil {
					config.OnState(newRelayStateFromTURN(oldState), newRelayStateFromTURN(newState), RelayInfo{
						RelayedAddress: info.RelayedAddress,
						MappedAddress:  info.MappedAddress,
						LastErr:        info.LastErr,
					})
				}
			},
			OnReceive: config.OnReceive,
		})
		if err != nil {
			return nil, err
		}

		return sock, nil
	}
}

func newBindingOpFromSTUN(op stunsock.Op) BindingOp {
	switch op {
	case stunsock.OpDNS:
		return BindingOpDNS
	case stunsock.OpBinding:
		return BindingOpBinding
	case stunsock.OpMappedAddressChange:
		return BindingOpMappedAddressChange
	case stunsock.OpKeepAlive:
		return BindingOpKeepAlive
	default:
		return BindingOp(Unknown)
	}
}

func newRelayStateFromTURN(state turnsock.State) RelayState {
	switch state {
	case turnsock.StateResolving:
		return RelayStateResolving
	case turnsock.StateAllocating:
		return RelayStateAllocating
	case turnsock.StateReady:
		return RelayStateReady
	case turnsock.StateDeallocating:
		return RelayStateDeallocating
	case turnsock.StateDeallocated:
		return RelayStateDeallocated
	case turnsock.StateDestroying:
		return RelayStateDestroying
	default:
		return RelayStateNull
	}
}
