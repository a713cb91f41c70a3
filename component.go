// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"net/netip"
)

// maxLocalPreference is the local preference of reflexive and relayed
// candidates. Host candidates count down from it in alias order.
const maxLocalPreference = 65535

// component is one negotiated stream. Candidates are kept in gathering
// order and addressed by ID, which is never reused.
type component struct {
	id         int
	order      []int
	candidates map[int]*Candidate
	nextID     int
	defaultID  int

	qos     QoSType
	binding *bindingAdapter
	relay   *relayAdapter
	// relayLosses counts consecutive relay losses since the last
	// successful allocation.
	relayLosses int
}

func newComponent(id int, qos QoSType) *component {
	return &component{
		id:         id,
		candidates: map[int]*Candidate{},
		qos:        qos,
	}
}

// add stores c with a fresh ID and returns the stored record.
func (c *component) add(cand Candidate) (*Candidate, error) {
	if len(c.order) >= maxCandidatesPerComponent {
		return nil, errTooManyCandidates
	}

	c.nextID++
	cand.ID = c.nextID
	cand.ComponentID = c.id
	stored := &cand
	c.candidates[cand.ID] = stored
	c.order = append(c.order, cand.ID)

	return stored, nil
}

// firstOfType returns the first candidate of the given type.
func (c *component) firstOfType(typ CandidateType) *Candidate {
	for _, id := range c.order {
		if cand := c.candidates[id]; cand.Type == typ {
			return cand
		}
	}

	return nil
}

// remove deletes a candidate. If it was the default, another ready
// candidate becomes the default.
func (c *component) remove(id int) {
	if _, ok := c.candidates[id]; !ok {
		return
	}
	delete(c.candidates, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)

			break
		}
	}

	if c.defaultID == id {
		c.defaultID = 0
		c.reselectDefault(0)
	}
}

// hostWithAddress returns a host candidate whose address is addr.
func (c *component) hostWithAddress(addr netip.AddrPort) *Candidate {
	for _, id := range c.order {
		cand := c.candidates[id]
		if cand.Type == CandidateTypeHost && cand.Address == addr {
			return cand
		}
	}

	return nil
}

func (c *component) defaultCandidate() *Candidate {
	return c.candidates[c.defaultID]
}

// reselectDefault picks a new default among ready candidates other than
// exclude: relayed first, then server reflexive, then host.
func (c *component) reselectDefault(exclude int) {
	for _, typ := range []CandidateType{CandidateTypeRelay, CandidateTypeServerReflexive, CandidateTypeHost} {
		for _, id := range c.order {
			cand := c.candidates[id]
			if id != exclude && cand.Type == typ && cand.Status == CandidateStatusReady {
				c.defaultID = id

				return
			}
		}
	}

	if c.defaultID == exclude {
		c.defaultID = 0
	}
}

// invalidateDefault moves the default away from id if it points there.
func (c *component) invalidateDefault(id int) {
	if c.defaultID == id {
		c.reselectDefault(id)
	}
}

func (c *component) hasPending() bool {
	for _, cand := range c.candidates {
		if cand.Status == CandidateStatusPending {
			return true
		}
	}

	return false
}

// ready returns copies of the ready candidates in gathering order.
func (c *component) ready() []Candidate {
	var out []Candidate
	for _, id := range c.order {
		if cand := c.candidates[id]; cand.Status == CandidateStatusReady {
			out = append(out, *cand)
		}
	}

	return out
}

// snapshot returns copies of every candidate in gathering order.
func (c *component) snapshot() []Candidate {
	out := make([]Candidate, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.candidates[id])
	}

	return out
}
