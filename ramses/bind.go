package ramses

import (
	"sync"
	"time"
)

// BindOfferEntry is one (domain, code) pairing a device offers or accepts
// during a 1FC9 binding exchange, e.g. "I'll send 2309 for domain 00".
type BindOfferEntry struct {
	DomainID string
	Code     Code
	Device   Address
}

// BindRole is which side of the three-way handshake a Binding plays.
type BindRole int

const (
	RoleSupplicant BindRole = iota // offers codes, waits to be accepted
	RoleRespondent                 // listens for offers, accepts a match
)

// BindState is where a Binding currently sits in the 1FC9 handshake
// (spec.md §4.H): Offer -> Accept -> Confirm -> Bound.
type BindState int

const (
	BindIdle BindState = iota
	BindOffered
	BindAccepted
	BindBoundAccepted // respondent: first confirm seen, two more to go
	BindConfirmed     // supplicant: confirm(s) sent, counting echoes to 3
	BindBound
	BindFailed
)

// confirmsToBind is how many confirm transmissions/observations (spec.md
// §4.I) a binding needs before either side calls it Bound — both roles see
// the handshake's confirm three times over, since 1FC9 confirms aren't
// themselves acknowledged.
const confirmsToBind = 3

func (s BindState) String() string {
	switch s {
	case BindIdle:
		return "idle"
	case BindOffered:
		return "offered"
	case BindAccepted:
		return "accepted"
	case BindBoundAccepted:
		return "bound_accepted"
	case BindConfirmed:
		return "confirmed"
	case BindBound:
		return "bound"
	case BindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AcceptFunc lets a Respondent decide which, if any, of an offer's entries
// it wants to accept; returning an empty slice declines the offer entirely.
type AcceptFunc func(offer []BindOfferEntry) []BindOfferEntry

// Binding drives one side of a device-binding handshake to completion or
// timeout. It is not safe to reuse after it finishes — start a new one for
// the next pairing attempt.
type Binding struct {
	Self Address
	Role BindRole

	mu           sync.Mutex
	state        BindState
	peer         Address
	offers       []BindOfferEntry
	accepted     []BindOfferEntry
	accept       AcceptFunc
	confirmCount int
	deadline     time.Time
	err          error
	done         chan struct{}
}

// NewSupplicantBinding starts a Binding that will offer the given codes and
// wait up to deadline for a respondent to accept and confirm.
func NewSupplicantBinding(self Address, offers []BindOfferEntry, deadline time.Duration, now time.Time) *Binding {
	return &Binding{
		Self:     self,
		Role:     RoleSupplicant,
		state:    BindIdle,
		offers:   offers,
		deadline: now.Add(deadline),
		done:     make(chan struct{}),
	}
}

// NewRespondentBinding starts a Binding that listens for an offer and, via
// accept, decides what (if anything) to accept from it.
func NewRespondentBinding(self Address, accept AcceptFunc, deadline time.Duration, now time.Time) *Binding {
	return &Binding{
		Self:     self,
		Role:     RoleRespondent,
		state:    BindIdle,
		accept:   accept,
		deadline: now.Add(deadline),
		done:     make(chan struct{}),
	}
}

// State returns the Binding's current position in the handshake.
func (b *Binding) State() BindState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start returns the first Command a Supplicant must transmit (the offer).
// Respondents have nothing to transmit until they see an offer.
func (b *Binding) Start() *Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Role != RoleSupplicant || b.state != BindIdle {
		return nil
	}
	b.state = BindOffered
	return CmdBindOffer(b.Self, b.offers)
}

// Step feeds one received 1FC9 message into the handshake and returns the
// Command to transmit in response, if any. The error is a BindingTimeout
// when the message arrives after the deadline without the binding being
// Bound; otherwise it is nil.
func (b *Binding) Step(msg *Message, now time.Time) (*Command, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.Pkt.Code != Code1FC9 {
		return nil, nil
	}
	if now.After(b.deadline) && b.state != BindBound {
		b.finishLocked(&BindingTimeout{DeviceID: b.Self.String(), State: b.state.String()})
		return nil, b.err
	}

	switch b.Role {
	case RoleRespondent:
		return b.stepRespondent(msg, now)
	default:
		return b.stepSupplicant(msg, now)
	}
}

func (b *Binding) stepRespondent(msg *Message, now time.Time) (*Command, error) {
	switch b.state {
	case BindIdle:
		if msg.Pkt.Verb != VerbI {
			return nil, nil
		}
		offer := parseBindEntries(msg.Pkt.Payload)
		accepted := offer
		if b.accept != nil {
			accepted = b.accept(offer)
		}
		if len(accepted) == 0 {
			return nil, nil
		}
		b.peer = msg.Pkt.Src()
		b.accepted = accepted
		b.state = BindAccepted
		return CmdBindAccept(b.peer, b.Self, accepted), nil

	case BindAccepted, BindBoundAccepted:
		if msg.Pkt.Verb == VerbI && msg.Pkt.Src().String() == b.peer.String() {
			b.confirmCount++
			if b.state == BindAccepted {
				b.state = BindBoundAccepted
			}
			if b.confirmCount >= confirmsToBind {
				b.finishLocked(nil)
			}
			return nil, nil
		}
		return nil, nil

	default:
		return nil, nil
	}
}

func (b *Binding) stepSupplicant(msg *Message, now time.Time) (*Command, error) {
	switch b.state {
	case BindOffered:
		if msg.Pkt.Verb != VerbW {
			return nil, nil
		}
		b.peer = msg.Pkt.Src()
		b.accepted = parseBindEntries(msg.Pkt.Payload)
		b.state = BindConfirmed
		return CmdBindConfirm(b.peer, b.Self), nil

	case BindConfirmed:
		// Our own transmitted confirm, heard back as its echo — 1FC9
		// confirms aren't acknowledged, so the supplicant counts its own
		// retransmissions rather than anything sent by the peer.
		if msg.Pkt.Verb == VerbI && msg.Pkt.Src().String() == b.Self.String() {
			b.confirmCount++
			if b.confirmCount >= confirmsToBind {
				b.finishLocked(nil)
				return nil, nil
			}
			return CmdBindConfirm(b.peer, b.Self), nil
		}
		return nil, nil

	default:
		return nil, nil
	}
}

// finishLocked must be called with b.mu held.
func (b *Binding) finishLocked(err error) {
	select {
	case <-b.done:
		return // already finished
	default:
	}
	b.err = err
	if err != nil {
		b.state = BindFailed
	} else {
		b.state = BindBound
	}
	close(b.done)
}

// Wait returns a channel that closes once the binding completes; Err then
// reports its terminal error (nil on success).
func (b *Binding) Wait() <-chan struct{} { return b.done }

// Err returns the binding's terminal error, valid once Wait's channel closes.
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Accepted returns the entries the two sides settled on, valid once bound.
func (b *Binding) Accepted() []BindOfferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// parseBindEntries decodes a 1FC9 payload into its (domain, code, device)
// triples, each 2+4+6 = 12 hex chars. The 6 hex chars of the device id are a
// packed type+serial encoding; this engine only implements the
// representative codes (spec.md §1 Non-goals), so the unpacking below keeps
// the type byte as-is and carries the four serial digits it holds through
// verbatim, padding the last two with "00", rather than reproducing the
// original's exact base-36-ish packing algorithm.
func parseBindEntries(payload string) []BindOfferEntry {
	const entryLen = 12
	var entries []BindOfferEntry
	for i := 0; i+entryLen <= len(payload); i += entryLen {
		chunk := payload[i : i+entryLen]
		devType := chunk[6:8]
		serial := chunk[8:12] + "00"
		dev, err := ParseAddress(devType+":"+serial, false)
		if err != nil {
			continue
		}
		entries = append(entries, BindOfferEntry{
			DomainID: chunk[0:2],
			Code:     Code(chunk[2:6]),
			Device:   dev,
		})
	}
	return entries
}
