// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package icestream

// QoSType is a portable traffic class applied to a component's sockets.
type QoSType int

const (
	// QoSTypeBestEffort leaves the socket untouched.
	QoSTypeBestEffort QoSType = iota

	// QoSTypeBackground marks bulk traffic (DSCP CS1).
	QoSTypeBackground

	// QoSTypeVideo marks interactive video (DSCP AF41).
	QoSTypeVideo

	// QoSTypeVoice marks interactive audio (DSCP EF).
	QoSTypeVoice

	// QoSTypeControl marks signaling-like traffic (DSCP CS3).
	QoSTypeControl
)

// TOS returns the IPv4 TOS byte for the traffic class, DSCP shifted into
// the upper six bits.
func (q QoSType) TOS() int {
	switch q {
	case QoSTypeBackground:
		return 0x08 << 2
	case QoSTypeVideo:
		return 0x22 << 2
	case QoSTypeVoice:
		return 0x2e << 2
	case QoSTypeControl:
		return 0x18 << 2
	default:
		return 0
	}
}

func (q QoSType) String() string {
	switch q {
	case QoSTypeBestEffort:
		return "best-effort"
	case QoSTypeBackground:
		return "background"
	case QoSTypeVideo:
		return "video"
	case QoSTypeVoice:
		return "voice"
	case QoSTypeControl:
		return "control"
	default:
		return unknownStr
	}
}
