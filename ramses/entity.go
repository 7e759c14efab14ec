package ramses

import (
	"log/slog"
	"sync"
	"time"
)

// Entity is the live message cache kept for one device or zone: the latest
// message seen per code, and a finer-grained index per (code, verb, idx) so
// callers can ask for e.g. "the last RP/000A for zone 02" specifically.
//
// Expiry is a pure query (Message.Expired) evaluated against whatever is
// still in the cache; Sweep is the only thing that actually removes entries,
// and it's always an explicit, separately-triggered call — never a side
// effect of a read (spec.md §9 Open Question 3).
type Entity struct {
	ID Address

	// StrictConsistency turns on the optional I/RP cross-check (spec.md
	// §4.F): when an I and an RP for the same (code, idx) arrive in either
	// order, the later one is compared against the earlier raw payload and
	// a mismatch logs a recoverable warning rather than failing anything.
	// Off by default (spec.md §9 Open Question 1).
	StrictConsistency bool
	Log               *slog.Logger

	mu     sync.RWMutex
	latest map[Code]*Message                     // most recent I or RP, per code
	byIdx  map[Code]map[Verb]map[string]*Message // full index, incl. RQ/W
}

// NewEntity returns an empty cache for the given device/zone address.
func NewEntity(id Address) *Entity {
	return &Entity{
		ID:     id,
		Log:    slog.Default(),
		latest: make(map[Code]*Message),
		byIdx:  make(map[Code]map[Verb]map[string]*Message),
	}
}

// Handle records msg in the cache. Only I and RP verbs update the
// code-level "latest" view — an RQ or W passing through doesn't represent
// this entity's current state, only a request that one be reported/changed
// (mirrors the original Entity._handle_msg).
func (e *Entity) Handle(msg *Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.StrictConsistency && (msg.Pkt.Verb == VerbI || msg.Pkt.Verb == VerbRP) {
		e.checkConsistencyLocked(msg)
	}

	byVerb, ok := e.byIdx[msg.Pkt.Code]
	if !ok {
		byVerb = make(map[Verb]map[string]*Message)
		e.byIdx[msg.Pkt.Code] = byVerb
	}
	byCtx, ok := byVerb[msg.Pkt.Verb]
	if !ok {
		byCtx = make(map[string]*Message)
		byVerb[msg.Pkt.Verb] = byCtx
	}
	byCtx[msg.Idx] = msg

	if msg.Pkt.Verb == VerbI || msg.Pkt.Verb == VerbRP {
		e.latest[msg.Pkt.Code] = msg
	}
}

// checkConsistencyLocked compares msg against whatever the opposite verb
// (I vs RP) last recorded for the same (code, idx); e.mu must be held.
func (e *Entity) checkConsistencyLocked(msg *Message) {
	other := VerbRP
	if msg.Pkt.Verb == VerbRP {
		other = VerbI
	}
	byVerb, ok := e.byIdx[msg.Pkt.Code]
	if !ok {
		return
	}
	byCtx, ok := byVerb[other]
	if !ok {
		return
	}
	prev, ok := byCtx[msg.Idx]
	if !ok || prev.Pkt.Payload == msg.Pkt.Payload {
		return
	}
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("I/RP payload mismatch for same (code,idx)",
		"device", e.ID, "code", msg.Pkt.Code, "idx", msg.Idx,
		"earlier_verb", other, "earlier_payload", prev.Pkt.Payload,
		"later_verb", msg.Pkt.Verb, "later_payload", msg.Pkt.Payload)
}

// Latest returns the most recently-handled I/RP message for a code.
func (e *Entity) Latest(code Code) (*Message, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.latest[code]
	return m, ok
}

// Get returns the message last handled for the exact (code, verb, idx)
// triple, e.g. the RQ/000A most recently sent for zone "02".
func (e *Entity) Get(code Code, verb Verb, idx string) (*Message, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	byVerb, ok := e.byIdx[code]
	if !ok {
		return nil, false
	}
	byCtx, ok := byVerb[verb]
	if !ok {
		return nil, false
	}
	m, ok := byCtx[idx]
	return m, ok
}

// Codes lists the codes this entity has any cached message for.
func (e *Entity) Codes() []Code {
	e.mu.RLock()
	defer e.mu.RUnlock()
	codes := make([]Code, 0, len(e.byIdx))
	for c := range e.byIdx {
		codes = append(codes, c)
	}
	return codes
}

// Sweep evicts every cached message that has expired as of now, and reports
// how many entries were removed. It never runs implicitly — callers (the
// Gateway's housekeeping goroutine, or a test) decide when to pay for it.
func (e *Entity) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for code, m := range e.latest {
		if m.Expired(now) {
			delete(e.latest, code)
			removed++
		}
	}
	for code, byVerb := range e.byIdx {
		for verb, byCtx := range byVerb {
			for idx, m := range byCtx {
				if m.Expired(now) {
					delete(byCtx, idx)
					removed++
				}
			}
			if len(byCtx) == 0 {
				delete(byVerb, verb)
			}
		}
		if len(byVerb) == 0 {
			delete(e.byIdx, code)
		}
	}
	return removed
}
