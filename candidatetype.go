// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"fmt"

	"github.com/pion/ice/v4"
)

// CandidateType represents the type of a candidate.
type CandidateType int

const (
	// CandidateTypeUnknown is the enum's zero-value
	CandidateTypeUnknown CandidateType = iota

	// CandidateTypeHost is an address of a local interface, bound by the
	// component's binding socket. It needs no network round-trip.
	CandidateTypeHost

	// CandidateTypeServerReflexive is the public mapping of the binding
	// socket as seen by a STUN server.
	CandidateTypeServerReflexive

	// CandidateTypePeerReflexive is a mapping learned from a connectivity
	// check received from the peer.
	CandidateTypePeerReflexive

	// CandidateTypeRelay is an address allocated on a TURN server.
	CandidateTypeRelay
)

// This is done this way because of a linter.
const (
	candidateTypeHostStr  = "host"
	candidateTypeSrflxStr = "srflx"
	candidateTypePrflxStr = "prflx"
	candidateTypeRelayStr = "relay"
)

// NewCandidateType takes a string and converts it into CandidateType
func NewCandidateType(raw string) (CandidateType, error) {
	switch raw {
	case candidateTypeHostStr:
		return CandidateTypeHost, nil
	case candidateTypeSrflxStr:
		return CandidateTypeServerReflexive, nil
	case candidateTypePrflxStr:
		return CandidateTypePeerReflexive, nil
	case candidateTypeRelayStr:
		return CandidateTypeRelay, nil
	default:
		return CandidateTypeUnknown, fmt.Errorf("%w: %s", errCandidateTypeUnknown, raw)
	}
}

func (t CandidateType) String() string {
	switch t {
	case CandidateTypeHost:
		return candidateTypeHostStr
	case CandidateTypeServerReflexive:
		return candidateTypeSrflxStr
	case CandidateTypePeerReflexive:
		return candidateTypePrflxStr
	case CandidateTypeRelay:
		return candidateTypeRelayStr
	default:
		return unknownStr
	}
}

// toICE converts to the type understood by package ice.
func (t CandidateType) toICE() ice.CandidateType {
	switch t {
	case CandidateTypeHost:
		return ice.CandidateTypeHost
	case CandidateTypeServerReflexive:
		return ice.CandidateTypeServerReflexive
	case CandidateTypePeerReflexive:
		return ice.CandidateTypePeerReflexive
	case CandidateTypeRelay:
		return ice.CandidateTypeRelay
	default:
		return ice.CandidateTypeUnspecified
	}
}

func newCandidateTypeFromICE(t ice.CandidateType) (CandidateType, error) {
	switch t {
	case ice.CandidateTypeHost:
		return CandidateTypeHost, nil
	case ice.CandidateTypeServerReflexive:
		return CandidateTypeServerReflexive, nil
	case ice.CandidateTypePeerReflexive:
		return CandidateTypePeerReflexive, nil
	case ice.CandidateTypeRelay:
		return CandidateTypeRelay, nil
	default:
		return CandidateTypeUnknown, fmt.Errorf("%w: %s", errCandidateTypeUnknown, t)
	}
}

// TypePreferences holds the type preference for host, srflx, prflx and
// relay candidates, in that order.
type TypePreferences [4]uint8

var (
	// standardTypePreferences are the RFC 8445 recommended values.
	standardTypePreferences = TypePreferences{126, 100, 110, 0} //nolint:gochecknoglobals

	// reflexiveFirstTypePreferences make server reflexive pairs checked
	// before host and relay pairs.
	reflexiveFirstTypePreferences = TypePreferences{100, 110, 126, 0} //nolint:gochecknoglobals
)

// Preference returns the type preference of t from the table.
func (p TypePreferences) Preference(t CandidateType) uint8 {
	switch t {
	case CandidateTypeHost:
		return p[0]
	case CandidateTypeServerReflexive:
		return p[1]
	case CandidateTypePeerReflexive:
		return p[2]
	default:
		return p[3]
	}
}
