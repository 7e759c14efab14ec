package ramses

import (
	"strconv"
	"time"
)

// DebugAssertions gates the "this should never happen" checks ported from
// the original's `assert ... "What!! (AA)"` style guards (spec.md §9 Open
// Question 2). They're cheap but not free, and firing one means a genuine
// protocol-engine bug rather than a malformed frame, so they stay off by
// default and are meant to be flipped on in engine development/CI, not in a
// running gateway.
var DebugAssertions = false

// Fraction-expired thresholds (spec.md §4.B). A _lifespan of zero means
// "never expires" (cantExpire), not "expired at dtm".
const (
	expiryGraceSeconds = 3.0
	isExpiringFraction = 0.8
	hasExpiredFraction = 2.0
)

// Message is a Packet that has passed payload validation and had its index
// fields derived. Construction (BuildMessage) is the validation pipeline;
// everything after that is read-only queries — Expired in particular is a
// pure function of (Message, now), never a side-effecting cache mutation
// (spec.md §9 Open Question 3; see Entity.Sweep for the eviction side).
type Message struct {
	Pkt  Packet
	Idx  string // zone/domain/dhw index, "00" when the code has none
	Dtm  time.Time
}

// idxByteCodes are the representative codes whose payload leads with a
// single-byte index (zone_idx, domain_id, or dhw_idx) that BuildMessage
// should surface as Message.Idx.
var idxByteCodes = map[Code]bool{
	Code0001: true,
	Code000A: true,
	Code0404: true,
	Code2309: true,
	Code30C9: true,
	Code3EF0: true,
	Code3EF1: true,
	Code1FC9: true,
	Code1F09: true,
}

// BuildMessage runs the validation pipeline over a Packet and, if it
// survives, derives its index. now is the message's reception time.
func BuildMessage(pkt Packet, now time.Time) (*Message, error) {
	if err := checkPayload(pkt); err != nil {
		return nil, err
	}
	return &Message{Pkt: pkt, Idx: deriveIdx(pkt), Dtm: now}, nil
}

// checkPayload is _check_msg_payload: look up the code's schema, special-case
// a payload-less RQ (always allowed — it's a bare request, nothing to
// validate), then match the regex for unknown-code/verb vs. malformed-payload.
func checkPayload(pkt Packet) error {
	if pkt.Verb == VerbRQ && pkt.Payload == "" {
		return nil
	}
	if _, ok := codeSchema[pkt.Code]; !ok {
		return newPacketInvalid("Unknown code")
	}
	re, known := verbIsKnownForCode(pkt.Code, pkt.Verb)
	if !known {
		return newPacketInvalid("unsupported verb %q for code %s", pkt.Verb, pkt.Code)
	}
	if !re.MatchString(pkt.Payload) {
		return newPacketPayloadInvalid("payload %q doesn't match schema for %s/%s", pkt.Payload, pkt.Code, pkt.Verb)
	}
	return nil
}

// deriveIdx pulls the leading index byte out of the payload for codes known
// to carry one; everything else gets "00", matching a code with no
// meaningful sub-index (the original's IDX_NAMES default).
func deriveIdx(pkt Packet) string {
	if !idxByteCodes[pkt.Code] || len(pkt.Payload) < 2 {
		return "00"
	}
	idx := pkt.Payload[0:2]
	if DebugAssertions && pkt.Code == Code1F09 {
		switch idx {
		case "00", "F8", "F9", "FA", "FC":
		default:
			panic("What!! (1F09 idx out of range)")
		}
	}
	return idx
}

// lifespanSeconds returns how long this message's code is considered fresh,
// or (0, true) for a code that never expires.
func (m *Message) lifespanSeconds() (float64, bool) {
	if neverExpiresCode[m.Pkt.Code] {
		return 0, true
	}
	if m.Pkt.Code == Code1F09 && len(m.Pkt.Payload) >= 8 {
		if secs, err := strconv.ParseInt(m.Pkt.Payload[2:8], 16, 64); err == nil {
			return float64(secs), false
		}
	}
	if secs, ok := defaultLifespan[m.Pkt.Code]; ok {
		return float64(secs), false
	}
	return float64(defaultLifespanSeconds), false
}

// FractionExpired is (now - Dtm - grace) / lifespan, clamped at 0. A code
// that can't expire always reports 0.
func (m *Message) FractionExpired(now time.Time) float64 {
	lifespan, cantExpire := m.lifespanSeconds()
	if cantExpire || lifespan <= 0 {
		return 0
	}
	elapsed := now.Sub(m.Dtm).Seconds() - expiryGraceSeconds
	if elapsed <= 0 {
		return 0
	}
	return elapsed / lifespan
}

// Expired is a pure query: has this message's fraction-expired reached
// hasExpiredFraction (2.0)?
// It never mutates any cache — see Entity.Sweep for eviction.
func (m *Message) Expired(now time.Time) bool {
	return m.FractionExpired(now) >= hasExpiredFraction
}

// IsExpiring reports the earlier "getting stale" threshold (0.8), used by
// callers that want to proactively refresh before a message fully expires.
func (m *Message) IsExpiring(now time.Time) bool {
	return m.FractionExpired(now) >= isExpiringFraction
}

// Equal compares the fields that the original's Message.__eq__ compares:
// src, dst, verb, code and the raw payload. Timestamps and RSSI are
// deliberately excluded — two observations of "the same" message needn't
// have arrived at the same instant or signal strength.
func (m *Message) Equal(other *Message) bool {
	if other == nil {
		return false
	}
	a, b := m.Pkt, other.Pkt
	return a.Src().String() == b.Src().String() &&
		a.Dst().String() == b.Dst().String() &&
		a.Verb == b.Verb &&
		a.Code == b.Code &&
		a.Payload == b.Payload
}
