// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"github.com/pion/logging"
	"github.com/pion/transport/v4/stdnet"
)

// API bundles the settings shared by the Transports it creates.
type API struct {
	settingEngine *SettingEngine
}

// NewAPI creates a new API object for keeping semi-global settings to
// Transport objects.
func NewAPI(options ...func(*API)) *API {
	a := &API{}

	for _, o := range options {
		o(a)
	}

	if a.settingEngine == nil {
		a.settingEngine = &SettingEngine{}
	}

	if a.settingEngine.LoggerFactory == nil {
		a.settingEngine.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return a
}

// WithSettingEngine allows providing a SettingEngine to the API.
// Settings should not be changed after passing the engine to an API.
func WithSettingEngine(s SettingEngine) func(a *API) {
	return func(a *API) {
		a.settingEngine = &s
	}
}

// collaborators returns the factories of the engine, falling back to the
// built-in STUN, TURN and session implementations.
func (a *API) collaborators() (BindingFactory, RelayFactory, SessionFactory, error) {
	s := a.settingEngine

	binding, relay, session := s.factories.Binding, s.factories.Relay, s.factories.Session
	if binding != nil && relay != nil && session != nil {
		return binding, relay, session, nil
	}

	nw := s.net
	if nw == nil && (binding == nil || relay == nil) {
		var err error
		if nw, err = stdnet.NewNet(); err != nil {
			return nil, nil, nil, err
		}
	}

	if binding == nil {
		binding = newSTUNBindingFactory(nw, s)
	}
	if relay == nil {
		relay = newTURNRelayFactory(nw, s)
	}
	if session == nil {
		session = newCheckSessionFactory(s)
	}

	return binding, relay, session, nil
}
