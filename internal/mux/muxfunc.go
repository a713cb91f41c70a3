// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package mux classifies packets sharing one socket (RFC7983)
package mux

import "github.com/pion/stun/v3"

// MatchFunc allows custom logic for mapping packets to a consumer
type MatchFunc func([]byte) bool

// MatchRange is a MatchFunc that accepts packets with the first byte in [lower..upper]
func MatchRange(lower, upper byte) MatchFunc {
	return func(buf []byte) bool {
		if len(buf) < 1 {
			return false
		}
		b := buf[0]

		return b >= lower && b <= upper
	}
}

// MatchFuncs as described in RFC7983
// https://tools.ietf.org/html/rfc7983
//              +----------------+
//              |        [0..3] -+--> forward to STUN
//              |                |
//              |      [16..19] -+--> forward to ZRTP
//              |                |
//              |      [20..63] -+--> forward to DTLS
//              |                |
//              |      [64..79] -+--> forward to TURN Channel
//              |                |
//              |    [128..191] -+--> forward to RTP/RTCP
//              +----------------+

// MatchSTUN is a MatchFunc that accepts packets with the first byte in [0..3]
// and a valid STUN magic cookie.
func MatchSTUN(buf []byte) bool {
	return MatchRange(0, 3)(buf) && stun.IsMessage(buf)
}

// MatchData is a MatchFunc that accepts anything that is not STUN. ICE
// hands such packets to the application once a pair is usable.
func MatchData(buf []byte) bool {
	return len(buf) > 0 && !MatchSTUN(buf)
}
