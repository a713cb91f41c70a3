// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import (
	"errors"
)

var (
	// ErrDestroyPending is returned by Transport.Destroy when a callback is
	// in flight. The transport is torn down when the last callback returns.
	ErrDestroyPending = errors.New("destroy deferred until in-flight callbacks return")

	// ErrTransportDestroyed indicates the transport has been destroyed.
	ErrTransportDestroyed = errors.New("transport destroyed")

	// ErrComponentCount indicates a component count outside 1..MaxComponents.
	ErrComponentCount = errors.New("component count out of range")

	// ErrUnknownComponent indicates a component id that does not exist.
	ErrUnknownComponent = errors.New("unknown component id")

	// ErrSessionExists indicates InitICE was called while a session is
	// already present.
	ErrSessionExists = errors.New("ICE session already exists")

	// ErrNoSession indicates an operation that needs a session was called
	// before InitICE or after StopICE.
	ErrNoSession = errors.New("no ICE session")

	// ErrChecksStarted indicates StartICE was called twice without StopICE.
	ErrChecksStarted = errors.New("connectivity checks already started")

	// ErrNoReadyCandidate indicates component 1 has no usable candidate.
	ErrNoReadyCandidate = errors.New("no ready candidate on component 1")

	// ErrNoDefaultCandidate indicates the component has no default candidate
	// yet.
	ErrNoDefaultCandidate = errors.New("component has no default candidate")

	// ErrNoRemoteCandidates indicates StartICE was given nothing to check.
	ErrNoRemoteCandidates = errors.New("no remote candidates")

	// ErrNoRemoteCredentials indicates an empty remote ufrag or password.
	ErrNoRemoteCredentials = errors.New("remote ICE credentials required")

	// ErrEmptyPayload indicates SendTo was called without data.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrNoTransport indicates the default candidate's transport is gone.
	ErrNoTransport = errors.New("no transport for candidate")

	// ErrRelayLost indicates the relay allocation could not be kept.
	ErrRelayLost = errors.New("relay allocation lost")

	// ErrNoTURNCredentials indicates a TURN server without username or
	// password.
	ErrNoTURNCredentials = errors.New("TURN server credentials required")

	// ErrInvalidRole indicates an unknown ICE role.
	ErrInvalidRole = errors.New("invalid ICE role")

	errCandidateTypeUnknown  = errors.New("unknown candidate type")
	errCandidateNoAddress    = errors.New("candidate has no address")
	errCandidateAddressNotIP = errors.New("candidate address is not an IP literal")
	errNoBindingSocket       = errors.New("component has no binding socket")
	errNoRelaySocket         = errors.New("component has no relay socket")
	errTooManyCandidates     = errors.New("component candidate list is full")
	errRelayAllocationFailed = errors.New("relay allocation failed")
	errRelayDeallocated      = errors.New("relay allocation deallocated")
	errNoMappedAddress       = errors.New("STUN server returned no mapped address")
	errStaleSession          = errors.New("ICE session was stopped")
	errNoValidTransport      = errors.New("unknown local transport")
)

var (
	errUnsupportedNetwork = errors.New("unsupported TURN network")
	errMaxHostCandidates  = errors.New("negative maximum host candidates")
)
