package ramses

import (
	"log/slog"
	"sync"
	"time"
)

// hardCodedRoleExceptions are (slug, verb, code) triples the real population
// of RAMSES devices is known to violate CODES_BY_DEV_SLUG for, carried over
// verbatim from the original rather than rederived (spec.md §4.E.3).
var hardCodedRoleExceptions = map[[3]string]bool{
	{DevSlugCTL, string(VerbRQ), string(Code3EF1)}: true,
	{DevSlugBDR, string(VerbRQ), string(Code3EF0)}: true,
}

// Dispatcher validates inbound messages against the protocol's addressing
// and device-role rules, maintains the device registry, and fans each
// message out to the entities it concerns (spec.md §4.E).
type Dispatcher struct {
	Log *slog.Logger

	DontCreateEntities bool // corresponds to the original's DONT_CREATE_ENTITIES

	// StrictConsistency is propagated to every Entity this Dispatcher
	// creates (spec.md §4.F's optional I/RP cross-check). Off by default.
	StrictConsistency bool

	mu       sync.Mutex
	entities map[string]*Entity

	lastArrayFragment map[string]*Message // keyed by code|verb|src, for detectArrayFragment
}

// NewDispatcher returns a Dispatcher with an empty device registry.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		Log:               log,
		entities:          make(map[string]*Entity),
		lastArrayFragment: make(map[string]*Message),
	}
}

// GetEntity returns the cache for a device, creating it on first reference
// unless DontCreateEntities is set (in which case the second return is
// false for an address never seen before).
func (d *Dispatcher) GetEntity(addr Address) (*Entity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entities[addr.String()]
	if ok {
		return e, true
	}
	if d.DontCreateEntities {
		return nil, false
	}
	e = NewEntity(addr)
	e.StrictConsistency = d.StrictConsistency
	e.Log = d.Log
	d.entities[addr.String()] = e
	return e, true
}

// Entities returns every currently-registered device/zone cache.
func (d *Dispatcher) Entities() []*Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Entity, 0, len(d.entities))
	for _, e := range d.entities {
		out = append(out, e)
	}
	return out
}

// Sweep runs Entity.Sweep across the whole registry and returns the total
// number of evicted cache entries.
func (d *Dispatcher) Sweep(now time.Time) int {
	total := 0
	for _, e := range d.Entities() {
		total += e.Sweep(now)
	}
	return total
}

// Process validates pkt, builds a Message from it, and routes it to the
// device caches it concerns. A returned error means the packet was dropped;
// the caller (Protocol) decides whether that's worth logging.
func (d *Dispatcher) Process(pkt Packet, now time.Time) (*Message, error) {
	if err := d.checkAddrs(pkt); err != nil {
		return nil, err
	}

	src, srcOK := d.GetEntity(pkt.Src())
	if !srcOK {
		return nil, newPacketInvalid("unknown src device %s and entity creation disabled", pkt.Src())
	}

	if err := d.checkSlugRole(pkt.Src(), pkt.Verb, pkt.Code, true); err != nil {
		d.Log.Warn("src role check failed", "err", err)
	}
	if !pkt.Dst().IsBroadcast() && !pkt.Dst().IsNone() {
		if err := d.checkSlugRole(pkt.Dst(), pkt.Verb, pkt.Code, false); err != nil {
			d.Log.Warn("dst role check failed", "err", err)
		}
	}

	msg, err := BuildMessage(pkt, now)
	if err != nil {
		return nil, err
	}

	if merged := d.detectArrayFragment(msg, now); merged != nil {
		msg = merged
	}

	src.Handle(msg)
	if !pkt.Dst().IsBroadcast() && !pkt.Dst().IsNone() && pkt.Dst().String() != pkt.Src().String() {
		if dst, ok := d.GetEntity(pkt.Dst()); ok {
			dst.Handle(msg)
		}
	}

	return msg, nil
}

// checkAddrs is _check_msg_addrs: a src/dst pair sharing a type byte, where
// both are heat devices and the code is heat-domain-only, can't be right —
// heat devices don't talk to their own type about their own business
// (spec.md §8 S2).
func (d *Dispatcher) checkAddrs(pkt Packet) error {
	src, dst := pkt.Src(), pkt.Dst()
	if src.Type() != dst.Type() || dst.IsNone() || dst.IsBroadcast() {
		return nil
	}
	srcClass, srcOK := src.DeviceClass()
	dstClass, dstOK := dst.DeviceClass()
	if !srcOK || !dstOK || !srcClass.IsHeatDevice || !dstClass.IsHeatDevice {
		return nil
	}
	if codesOfHeatDomainOnly[pkt.Code] {
		return newPacketAddrSetInvalid(
			"src/dst share type %s, both heat devices, but code %s is heat-domain-only", src.Type(), pkt.Code)
	}
	if codesOfHeatDomain[pkt.Code] {
		d.Log.Warn("src/dst share type and code is usually heat-domain", "src", src, "dst", dst, "code", pkt.Code)
	}
	return nil
}

// checkSlugRole is _check_src_slug/_check_dst_slug: does this device's class
// plausibly Tx/Rx this (code, verb)? Promotable classes and the hard-coded
// exceptions always pass.
func (d *Dispatcher) checkSlugRole(addr Address, verb Verb, code Code, isSrc bool) error {
	dc, ok := addr.DeviceClass()
	if !ok || promotableSlugs[dc.Slug] {
		return nil
	}
	if code == Code0001 && verb == VerbW {
		return nil // "*/W/0001" exception
	}
	if hardCodedRoleExceptions[[3]string{dc.Slug, string(verb), string(code)}] {
		return nil
	}
	byCode, ok := codesByDevSlug[dc.Slug]
	if !ok {
		return nil // no table entry for this slug: nothing to check against
	}
	verbsOK, ok := byCode[code]
	if !ok {
		return nil // this slug's table doesn't mention the code: not a violation
	}
	if !verbsOK[verb] {
		which := "dst"
		if isSrc {
			which = "src"
		}
		return newPacketInvalid("%s device %s (%s) doesn't use verb %s with code %s", which, addr, dc.Slug, verb, code)
	}
	return nil
}

// detectArrayFragment merges two "I"/000A packets from the same source
// within 3 seconds into one combined-array message, the way a controller's
// zone-parameter broadcast sometimes arrives split across two frames
// (spec.md §4.E.4). Only codes with HasArray are considered.
func (d *Dispatcher) detectArrayFragment(msg *Message, now time.Time) *Message {
	if msg.Pkt.Verb != VerbI || !msg.Pkt.HasArray() {
		return nil
	}
	key := string(msg.Pkt.Code) + "|" + string(msg.Pkt.Verb) + "|" + msg.Pkt.Src().String()

	d.mu.Lock()
	prev, ok := d.lastArrayFragment[key]
	d.lastArrayFragment[key] = msg
	d.mu.Unlock()

	if !ok || now.Sub(prev.Dtm) > 3*time.Second {
		return nil
	}
	merged := &Message{
		Pkt: Packet{
			RSSI: msg.Pkt.RSSI, Verb: msg.Pkt.Verb, Seqn: msg.Pkt.Seqn,
			Addr0: msg.Pkt.Addr0, Addr1: msg.Pkt.Addr1, Addr2: msg.Pkt.Addr2,
			Code:    msg.Pkt.Code,
			Payload: prev.Pkt.Payload + msg.Pkt.Payload,
			Len:     (len(prev.Pkt.Payload) + len(msg.Pkt.Payload)) / 2,
		},
		Idx: msg.Idx,
		Dtm: msg.Dtm,
	}
	return merged
}
