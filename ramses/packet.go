package ramses

import (
	"fmt"
	"regexp"
	"strconv"
)

// addrFieldPattern matches one address slot: a real device id or one of the
// two sentinels.
const addrFieldPattern = `(?:[0-9]{2}:[0-9]{6}|--:------|63:262142)`

// packetLineRegex is the frame grammar from spec.md §3: RSSI, VERB, SEQN and
// three address slots, then CODE, LEN and a hex PAYLOAD. The verb field
// itself carries its leading space for the one-letter verbs (" I", " W"),
// which is why real RAMSES logs show two spaces before an I or W frame.
var packetLineRegex = regexp.MustCompile(
	`^([0-9]{3}|---) ( I|RQ|RP| W) (\d{3}) (` +
		addrFieldPattern + `) (` + addrFieldPattern + `) (` + addrFieldPattern +
		`) ([0-9A-F]{4}) (\d{3}) ([0-9A-F]*)$`,
)

// Packet is the parsed, but not yet semantically validated, form of one
// frame line. Constructing a Packet only checks the frame's grammar; payload
// semantics are checked when a Message is built from it (spec.md §4.C).
type Packet struct {
	RSSI    string
	Verb    Verb
	Seqn    string
	Addr0   Address
	Addr1   Address
	Addr2   Address
	Code    Code
	Len     int
	Payload string // raw hex, uppercase, no separators

	raw string
}

// ParsePacket parses one CRLF-stripped frame line. It does NOT validate the
// payload against the code's schema — that's Message's job — but it does
// enforce that LEN matches len(Payload)/2, since that's a framing-level
// invariant (P1 in spec.md §8), not a per-code one.
func ParsePacket(line string) (Packet, error) {
	m := packetLineRegex.FindStringSubmatch(line)
	if m == nil {
		return Packet{}, newPacketInvalid("malformed frame: %q", line)
	}

	verb := Verb(m[2])

	a0, err := ParseAddress(m[4], false)
	if err != nil {
		return Packet{}, err
	}
	a1, err := ParseAddress(m[5], false)
	if err != nil {
		return Packet{}, err
	}
	a2, err := ParseAddress(m[6], false)
	if err != nil {
		return Packet{}, err
	}
	if err := checkAddrArity(a0, a1, a2); err != nil {
		return Packet{}, err
	}

	length, err := strconv.Atoi(m[8])
	if err != nil {
		return Packet{}, newPacketInvalid("bad length field: %q", m[8])
	}
	payload := m[9]
	if len(payload) != length*2 {
		return Packet{}, newPacketInvalid(
			"length field %d doesn't match payload %d bytes", length, len(payload)/2)
	}

	return Packet{
		RSSI:    m[1],
		Verb:    verb,
		Seqn:    m[3],
		Addr0:   a0,
		Addr1:   a1,
		Addr2:   a2,
		Code:    Code(m[7]),
		Len:     length,
		Payload: payload,
		raw:     line,
	}, nil
}

// checkAddrArity enforces spec.md §4.B: exactly two of the three address
// slots must be non-sentinel, with one well-known exception — a broadcast
// from an unknown source, where addr0 and addr1 are both "--:------" and
// only addr2 carries a real (possibly broadcast) address.
func checkAddrArity(a0, a1, a2 Address) error {
	if a0.IsNone() && a1.IsNone() && !a2.IsNone() {
		return nil
	}
	nonSentinel := 0
	for _, a := range [3]Address{a0, a1, a2} {
		if !a.IsNone() {
			nonSentinel++
		}
	}
	if nonSentinel != 2 {
		return newPacketAddrSetInvalid(
			"expected exactly two non-sentinel addresses, got %d (%s %s %s)", nonSentinel, a0, a1, a2)
	}
	return nil
}

// Src and Dst resolve the three-address slot scheme down to a logical
// source/destination pair. RAMSES frames always populate three address
// slots, but one is usually a sentinel or a repeat of another:
//
//   - addr0 == addr1: device 0 is announcing/echoing itself, (src,dst) = (addr0,addr2)
//   - addr2 absent ("--:------"): a genuine two-device frame, (src,dst) = (addr0,addr1)
//   - addr1 absent: (src,dst) = (addr0,addr2)
//   - otherwise: addr0 is the (usually HGI) relay/placeholder slot and the
//     real conversation is between addr1 and addr2
func (p Packet) Src() Address {
	s, _ := p.srcDst()
	return s
}

func (p Packet) Dst() Address {
	_, d := p.srcDst()
	return d
}

func (p Packet) srcDst() (Address, Address) {
	switch {
	case p.Addr0.String() == p.Addr1.String():
		return p.Addr0, p.Addr2
	case p.Addr2.IsNone():
		return p.Addr0, p.Addr1
	case p.Addr1.IsNone():
		return p.Addr0, p.Addr2
	default:
		return p.Addr1, p.Addr2
	}
}

// HasArray reports whether this packet's code is one the dispatcher knows to
// carry an array-fragmentable payload (spec.md §4.E.4, detectArrayFragment).
func (p Packet) HasArray() bool {
	return p.Code == Code000A
}

// String reconstructs the canonical frame line; round-tripping
// ParsePacket(p.String()) must reproduce an equal Packet (P1 in spec.md §8).
func (p Packet) String() string {
	return fmt.Sprintf("%s %2s %s %s %s %s %s %03d %s",
		p.RSSI, string(p.Verb), p.Seqn,
		p.Addr0.String(), p.Addr1.String(), p.Addr2.String(),
		string(p.Code), p.Len, p.Payload)
}
