// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

// Operation tags a completion callback with the activity it reports on.
type Operation int

const (
	// OperationInit reports the end of candidate gathering.
	OperationInit Operation = iota + 1

	// OperationNegotiation reports the end of connectivity checks.
	OperationNegotiation

	// OperationKeepAlive reports the loss of a resource after gathering,
	// such as a relay allocation or a STUN keep-alive.
	OperationKeepAlive
)

// This is done this way because of a linter.
const (
	operationInitStr        = "init"
	operationNegotiationStr = "negotiation"
	operationKeepAliveStr   = "keep-alive"
)

func (o Operation) String() string {
	switch o {
	case OperationInit:
		return operationInitStr
	case OperationNegotiation:
		return operationNegotiationStr
	case OperationKeepAlive:
		return operationKeepAliveStr
	default:
		return unknownStr
	}
}
