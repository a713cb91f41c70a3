// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package session

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
)

type pairState int

const (
	pairWaiting pairState = iota
	pairInProgress
	pairSucceeded
	pairFailed
)

func (s pairState) String() string {
	switch s {
	case pairWaiting:
		return "waiting"
	case pairInProgress:
		return "in-progress"
	case pairSucceeded:
		return "succeeded"
	case pairFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type pair struct {
	local  Candidate
	remote Candidate

	priority          uint64
	state             pairState
	nominated         bool
	nominateOnSuccess bool

	// current transaction
	pending      bool
	useCandidate bool
	txID         [stun.TransactionIDSize]byte
	raw          []byte
	attempts     int
	rto          time.Duration
	deadline     time.Time
}

func (p *pair) String() string {
	return fmt.Sprintf("%s:%s <-> %s:%s (%s)", p.local.Type, p.local.Address, p.remote.Type, p.remote.Address, p.state)
}

// pairPriority implements RFC 8445 section 6.1.2.3.
func pairPriority(role Role, local, remote uint32) uint64 {
	g, d := uint64(local), uint64(remote)
	if role == RoleControlled {
		g, d = d, g
	}

	var tie uint64
	if g > d {
		tie = 1
	}

	return (1<<32)*min(g, d) + 2*max(g, d) + tie
}

type checklist struct {
	role         Role
	pairs        []*pair
	triggered    []*pair
	transactions map[[stun.TransactionIDSize]byte]*pair
	selected     map[int]*pair
}

func newChecklist(role Role) *checklist {
	return &checklist{
		role:         role,
		transactions: map[[stun.TransactionIDSize]byte]*pair{},
		selected:     map[int]*pair{},
	}
}

// add pairs local with remote. Server reflexive and peer reflexive local
// candidates are represented by their base and are not paired. A pair
// redundant with an existing one (same component, local transport and
// remote address) keeps the higher priority local candidate.
func (l *checklist) add(local, remote Candidate) *pair {
	if local.ComponentID != remote.ComponentID ||
		local.Type == ice.CandidateTypeServerReflexive || local.Type == ice.CandidateTypePeerReflexive ||
		local.Address.Addr().Is4() != remote.Address.Addr().Is4() {
		return nil
	}

	p := &pair{
		local:    local,
		remote:   remote,
		priority: pairPriority(l.role, local.Priority, remote.Priority),
	}

	if existing := l.find(local.TransportID, local.ComponentID, remote.Address); existing != nil {
		if existing.priority >= p.priority {
			return existing
		}
		existing.local, existing.remote, existing.priority = p.local, p.remote, p.priority

		return existing
	}

	l.pairs = append(l.pairs, p)

	return p
}

func (l *checklist) sort() {
	sort.SliceStable(l.pairs, func(i, j int) bool {
		return l.pairs[i].priority > l.pairs[j].priority
	})
}

func (l *checklist) setRole(role Role) {
	l.role = role
	for _, p := range l.pairs {
		p.priority = pairPriority(role, p.local.Priority, p.remote.Priority)
	}
	l.sort()
}

func (l *checklist) find(transportID, componentID int, remote netip.AddrPort) *pair {
	for _, p := range l.pairs {
		if p.local.ComponentID == componentID && p.local.TransportID == transportID && p.remote.Address == remote {
			return p
		}
	}

	return nil
}

// trigger queues p ahead of ordinary checks.
func (l *checklist) trigger(p *pair) {
	for _, t := range l.triggered {
		if t == p {
			return
		}
	}
	p.state = pairWaiting
	l.triggered = append(l.triggered, p)
}

// next returns the next pair to check: triggered pairs first, then the
// highest priority waiting pair.
func (l *checklist) next() *pair {
	for len(l.triggered) > 0 {
		p := l.triggered[0]
		l.triggered = l.triggered[1:]
		if p.state == pairWaiting {
			return p
		}
	}

	for _, p := range l.pairs {
		if p.state == pairWaiting {
			return p
		}
	}

	return nil
}

// valid returns the selected pair of a component, or its highest priority
// succeeded pair.
func (l *checklist) valid(componentID int) *pair {
	if p := l.selected[componentID]; p != nil {
		return p
	}
	for _, p := range l.pairs {
		if p.local.ComponentID == componentID && p.state == pairSucceeded {
			return p
		}
	}

	return nil
}

// exhausted reports whether every pair of a component failed.
func (l *checklist) exhausted(componentID int) bool {
	found := false
	for _, p := range l.pairs {
		if p.local.ComponentID != componentID {
			continue
		}
		found = true
		if p.state != pairFailed {
			return false
		}
	}

	return found
}

// nominating reports whether a USE-CANDIDATE check of the component is in
// flight.
func (l *checklist) nominating(componentID int) bool {
	for _, p := range l.pairs {
		if p.local.ComponentID == componentID && p.useCandidate && p.pending {
			return true
		}
	}

	return false
}
