// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

// TransportState represents the lifecycle state of a Transport. States are
// ordered: a transport only moves forward, except that StopICE returns it
// to TransportStateInit.
type TransportState int

const (
	// TransportStateNull is the state of a transport that was not created
	// or has been destroyed.
	TransportStateNull TransportState = iota

	// TransportStateInit indicates candidates are being gathered.
	TransportStateInit

	// TransportStateReady indicates every candidate resolved and the
	// transport can start a session.
	TransportStateReady

	// TransportStateSessionReady indicates a session holds the local
	// candidates and waits for the remote ones.
	TransportStateSessionReady

	// TransportStateNegotiating indicates connectivity checks are running.
	TransportStateNegotiating

	// TransportStateRunning indicates every component has a valid pair.
	TransportStateRunning

	// TransportStateFailed indicates the connectivity checks failed.
	TransportStateFailed
)

// This is done this way because of a linter.
const (
	transportStateNullStr         = "Null"
	transportStateInitStr         = "Candidate Gathering"
	transportStateReadyStr        = "Candidate Gathering Complete"
	transportStateSessionReadyStr = "Session Initialized"
	transportStateNegotiatingStr  = "Negotiation In Progress"
	transportStateRunningStr      = "Negotiation Success"
	transportStateFailedStr       = "Negotiation Failed"
)

func (s TransportState) String() string {
	switch s {
	case TransportStateNull:
		return transportStateNullStr
	case TransportStateInit:
		return transportStateInitStr
	case TransportStateReady:
		return transportStateReadyStr
	case TransportStateSessionReady:
		return transportStateSessionReadyStr
	case TransportStateNegotiating:
		return transportStateNegotiatingStr
	case TransportStateRunning:
		return transportStateRunningStr
	case TransportStateFailed:
		return transportStateFailedStr
	default:
		return unknownStr
	}
}
