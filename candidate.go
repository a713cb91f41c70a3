// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"fmt"
	"hash/crc32"
	"net/netip"
	"strings"

	"github.com/pion/ice/v4"
)

// CandidateStatus is the resolution state of a candidate.
type CandidateStatus int

const (
	// CandidateStatusPending indicates the candidate waits for an
	// asynchronous STUN or TURN result.
	CandidateStatusPending CandidateStatus = iota + 1

	// CandidateStatusReady indicates the candidate has an address and can
	// carry traffic.
	CandidateStatusReady

	// CandidateStatusFailed indicates the candidate could not be resolved.
	CandidateStatusFailed
)

func (s CandidateStatus) String() string {
	switch s {
	case CandidateStatusPending:
		return "pending"
	case CandidateStatusReady:
		return "ready"
	case CandidateStatusFailed:
		return "failed"
	default:
		return unknownStr
	}
}

// TransportID identifies the socket that owns a local candidate.
type TransportID uint8

const (
	// TransportNone is the enum's zero-value
	TransportNone TransportID = iota

	// TransportBinding is the component's STUN binding socket. Host and
	// server reflexive candidates use it.
	TransportBinding

	// TransportRelay is the component's TURN allocation.
	TransportRelay
)

func (t TransportID) String() string {
	switch t {
	case TransportBinding:
		return "stun"
	case TransportRelay:
		return "turn"
	default:
		return unknownStr
	}
}

// Candidate is one address alternative of a component.
type Candidate struct {
	// ID is stable for the lifetime of the component. It is not reused
	// after a candidate is removed.
	ID          int
	ComponentID int
	Type        CandidateType
	Status      CandidateStatus
	// Err holds the failure of a CandidateStatusFailed candidate.
	Err         error
	TransportID TransportID

	// Address is the transport address the peer sends to.
	Address netip.AddrPort
	// Base is the local address the candidate sends from.
	Base netip.AddrPort
	// Related is the base of a reflexive candidate, or the mapped address
	// of a relayed one.
	Related netip.AddrPort

	LocalPreference uint16
	Foundation      string
	Priority        uint32
}

// computeFoundation groups candidates sharing type, base IP and transport.
func computeFoundation(typ CandidateType, base netip.Addr, transport TransportID) string {
	key := typ.String() + base.String() + transport.String()

	return fmt.Sprintf("%c%x", typ.String()[0], crc32.ChecksumIEEE([]byte(key)))
}

// computePriority implements the RFC 8445 section 5.1.2.1 formula.
func computePriority(prefs TypePreferences, typ CandidateType, localPref uint16, componentID int) uint32 {
	return (1<<24)*uint32(prefs.Preference(typ)) +
		(1<<8)*uint32(localPref) +
		uint32(256-componentID) //nolint:gosec // G115, componentID <= MaxComponents
}

func (c Candidate) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "comp %d %s %s", c.ComponentID, c.Type, c.Status)
	if c.Address.IsValid() {
		fmt.Fprintf(&b, " %s", c.Address)
	}
	if c.Related.IsValid() {
		fmt.Fprintf(&b, " rel %s", c.Related)
	}

	return b.String()
}

func (c Candidate) toICE() (ice.Candidate, error) {
	network := "udp"
	addr := c.Address.Addr().Unmap()
	relAddr, relPort := "", 0
	if c.Related.IsValid() {
		relAddr, relPort = c.Related.Addr().Unmap().String(), int(c.Related.Port())
	}

	switch c.Type {
	case CandidateTypeHost:
		return ice.NewCandidateHost(&ice.CandidateHostConfig{
			Network:    network,
			Address:    addr.String(),
			Port:       int(c.Address.Port()),
			Component:  uint16(c.ComponentID), //nolint:gosec // G115
			Priority:   c.Priority,
			Foundation: c.Foundation,
		})
	case CandidateTypeServerReflexive:
		return ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
			Network:    network,
			Address:    addr.String(),
			Port:       int(c.Address.Port()),
			Component:  uint16(c.ComponentID), //nolint:gosec // G115
			Priority:   c.Priority,
			Foundation: c.Foundation,
			RelAddr:    relAddr,
			RelPort:    relPort,
		})
	case CandidateTypePeerReflexive:
		return ice.NewCandidatePeerReflexive(&ice.CandidatePeerReflexiveConfig{
			Network:    network,
			Address:    addr.String(),
			Port:       int(c.Address.Port()),
			Component:  uint16(c.ComponentID), //nolint:gosec // G115
			Priority:   c.Priority,
			Foundation: c.Foundation,
			RelAddr:    relAddr,
			RelPort:    relPort,
		})
	case CandidateTypeRelay:
		return ice.NewCandidateRelay(&ice.CandidateRelayConfig{
			Network:    network,
			Address:    addr.String(),
			Port:       int(c.Address.Port()),
			Component:  uint16(c.ComponentID), //nolint:gosec // G115
			Priority:   c.Priority,
			Foundation: c.Foundation,
			RelAddr:    relAddr,
			RelPort:    relPort,
		})
	default:
		return nil, fmt.Errorf("%w: %s", errCandidateTypeUnknown, c.Type)
	}
}

// Marshal returns the candidate in SDP a=candidate attribute form, without
// the "candidate:" prefix.
func (c Candidate) Marshal() (string, error) {
	if !c.Address.IsValid() {
		return "", errCandidateNoAddress
	}

	iceCandidate, err := c.toICE()
	if err != nil {
		return "", err
	}

	return iceCandidate.Marshal(), nil
}

// ParseCandidate parses an SDP a=candidate value into a remote candidate.
// The "candidate:" prefix is optional.
func ParseCandidate(raw string) (Candidate, error) {
	iceCandidate, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:"))
	if err != nil {
		return Candidate{}, err
	}

	typ, err := newCandidateTypeFromICE(iceCandidate.Type())
	if err != nil {
		return Candidate{}, err
	}

	addr, err := netip.ParseAddr(iceCandidate.Address())
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %s", errCandidateAddressNotIP, iceCandidate.Address())
	}

	cand := Candidate{
		ComponentID: int(iceCandidate.Component()),
		Type:        typ,
		Status:      CandidateStatusReady,
		Address:     netip.AddrPortFrom(addr, uint16(iceCandidate.Port())), //nolint:gosec // G115
		Foundation:  iceCandidate.Foundation(),
		Priority:    iceCandidate.Priority(),
	}

	if rel := iceCandidate.RelatedAddress(); rel != nil {
		if relAddr, relErr := netip.ParseAddr(rel.Address); relErr == nil {
			cand.Related = netip.AddrPortFrom(relAddr, uint16(rel.Port)) //nolint:gosec // G115
		}
	}

	return cand, nil
}

// CandidatePair is a local and remote candidate that passed a
// connectivity check.
type CandidatePair struct {
	Local     Candidate
	Remote    Candidate
	Nominated bool
}

func (p CandidatePair) String() string {
	return fmt.Sprintf("%s <-> %s", p.Local, p.Remote)
}
