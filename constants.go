// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

import "time"

const (
	// Unknown defines default public constant to use for "enum" like struct
	// comparisons when no value was defined.
	Unknown    = iota
	unknownStr = "unknown"

	// MaxComponents is the largest component count a transport accepts.
	MaxComponents = 8

	// maxCandidatesPerComponent bounds the candidate list of one component.
	// One slot is always left for the relayed candidate.
	maxCandidatesPerComponent = 16

	// Equal to UDP MTU
	receiveMTU = 1460

	defaultSTUNPort          = 3478
	defaultMaxHostCandidates = 64

	defaultSTUNRTO            = 500 * time.Millisecond
	defaultSTUNKeepAlive      = 15 * time.Second
	defaultCheckInterval      = 20 * time.Millisecond
	defaultNegotiationTimeout = 10 * time.Second
)
