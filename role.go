// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

// Role describes the role of the local agent during negotiation.
type Role int

const (
	// RoleControlling indicates that the local agent nominates the pair
	// used for data.
	RoleControlling Role = iota + 1

	// RoleControlled indicates that the local agent follows the peer's
	// nomination.
	RoleControlled
)

// This is done this way because of a linter.
const (
	roleControllingStr = "controlling"
	roleControlledStr  = "controlled"
)

// NewRole takes a string and converts it to Role
func NewRole(raw string) Role {
	switch raw {
	case roleControllingStr:
		return RoleControlling
	case roleControlledStr:
		return RoleControlled
	default:
		return Role(Unknown)
	}
}

func (r Role) String() string {
	switch r {
	case RoleControlling:
		return roleControllingStr
	case RoleControlled:
		return roleControlledStr
	default:
		return unknownStr
	}
}
