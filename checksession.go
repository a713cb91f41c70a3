// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"net/netip"

	"github.com/pion/icestream/internal/session"
)

// checkSession adapts session.Session to the Session interface.
type checkSession struct {
	s *session.Session
}

func newCheckSessionFactory(e *SettingEngine) SessionFactory {
	return func(config SessionConfig) (Session, error) {
		role, err := config.Role.toSession()
		if err != nil {
			return nil, err
		}

		loggerFactory := config.LoggerFactory
		if loggerFactory == nil {
			loggerFactory = e.LoggerFactory
		}

		s, err := session.New(session.Config{
			Role:           role,
			ComponentCount: config.ComponentCount,
			LocalUfrag:     config.LocalUfrag,
			LocalPwd:       config.LocalPwd,
			CheckInterval:  e.checkInterval(),
			Timeout:        e.negotiationTimeout(),
			Options:        config.Options.toSession(),
			LoggerFactory:  loggerFactory,
			OnComplete:     config.OnComplete,
			OnTx: func(componentID, transportID int, data []byte, to netip.AddrPort) error {
				return config.OnTx(componentID, TransportID(transportID), data, to) //nolint:gosec // G115
			},
			OnRx: func(componentID, transportID int, data []byte, from netip.AddrPort) {
				config.OnRx(componentID, TransportID(transportID), data, from) //nolint:gosec // G115
			},
		})
		if err != nil {
			return nil, err
		}

		return &checkSession{s: s}, nil
	}
}

func (c *checkSession) AddCandidate(candidate Candidate) error {
	return c.s.AddCandidate(candidate.toSession())
}

func (c *checkSession) Candidates(componentID int) []Candidate {
	registered := c.s.Candidates(componentID)
	out := make([]Candidate, 0, len(registered))
	for _, r := range registered {
		out = append(out, newCandidateFromSession(r))
	}

	return out
}

func (c *checkSession) CreateCheckList(remoteUfrag, remotePwd string, remote []Candidate) error {
	converted := make([]session.Candidate, 0, len(remote))
	for _, r := range remote {
		converted = append(converted, r.toSession())
	}

	return c.s.CreateCheckList(remoteUfrag, remotePwd, converted)
}

func (c *checkSession) StartChecks() error {
	return c.s.StartChecks()
}

func (c *checkSession) SendData(componentID int, data []byte) error {
	return c.s.SendData(componentID, data)
}

func (c *checkSession) HandlePacket(componentID int, transportID TransportID, data []byte, from netip.AddrPort) {
	c.s.HandlePacket(componentID, int(transportID), data, from)
}

func (c *checkSession) ValidPair(componentID int) (CandidatePair, bool) {
	p, ok := c.s.ValidPair(componentID)
	if !ok {
		return CandidatePair{}, false
	}

	return CandidatePair{
		Local:     newCandidateFromSession(p.Local),
		Remote:    newCandidateFromSession(p.Remote),
		Nominated: p.Nominated,
	}, true
}

func (c *checkSession) Role() Role {
	if c.s.Role() == session.RoleControlled {
		return RoleControlled
	}

	return RoleControlling
}

func (c *checkSession) SetRole(role Role) error {
	r, err := role.toSession()
	if err != nil {
		return err
	}

	return c.s.SetRole(r)
}

func (c *checkSession) Options() SessionOptions {
	o := c.s.Options()

	return SessionOptions{
		AggressiveNomination:          o.Aggressive,
		NominatedCheckDelay:           o.NominatedCheckDelay,
		ControlledAgentWantNomTimeout: o.ControlledWantNomTimeout,
	}
}

func (c *checkSession) SetOptions(options SessionOptions) {
	c.s.SetOptions(options.toSession())
}

func (c *checkSession) IsRunning() bool {
	return c.s.IsRunning()
}

func (c *checkSession) IsComplete() bool {
	return c.s.IsComplete()
}

func (c *checkSession) Close() error {
	return c.s.Close()
}

func (o SessionOptions) toSession() session.Options {
	return session.Options{
		Aggressive:               o.AggressiveNomination,
		NominatedCheckDelay:      o.NominatedCheckDelay,
		ControlledWantNomTimeout: o.ControlledAgentWantNomTimeout,
	}
}

func (r Role) toSession() (session.Role, error) {
	switch r {
	case RoleControlling:
		return session.RoleControlling, nil
	case RoleControlled:
		return session.RoleControlled, nil
	default:
		return 0, ErrInvalidRole
	}
}

func (c Candidate) toSession() session.Candidate {
	return session.Candidate{
		ID:          c.ID,
		ComponentID: c.ComponentID,
		TransportID: int(c.TransportID),
		Type:        c.Type.toICE(),
		Priority:    c.Priority,
		Foundation:  c.Foundation,
		Address:     c.Address,
		Base:        c.Base,
		Related:     c.Related,
	}
}

func newCandidateFromSession(c session.Candidate) Candidate {
	typ, err := newCandidateTypeFromICE(c.Type)
	if err != nil {
		typ = CandidateTypeUnknown
	}

	return Candidate{
		ID:          c.ID,
		ComponentID: c.ComponentID,
		Type:        typ,
		Status:      CandidateStatusReady,
		TransportID: TransportID(c.TransportID), //nolint:gosec // G115
		Address:     c.Address,
		Base:        c.Base,
		Related:     c.Related,
		Foundation:  c.Foundation,
		Priority:    c.Priority,
	}
}
