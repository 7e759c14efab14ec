package ramses

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SendPriority controls a Command's position in the Protocol's outbound
// queue; lower sorts first (spec.md §4.F, ported from the original's
// SendPriority IntEnum).
type SendPriority int

const (
	PriorityHighest SendPriority = -4
	PriorityHigh    SendPriority = -2
	PriorityDefault SendPriority = 0
	PriorityLow     SendPriority = 2
	PriorityLowest  SendPriority = 4
)

// QosParams mirrors the original's QosParams: how hard, and how long, the
// protocol should work to get this command acknowledged.
type QosParams struct {
	MaxRetries   int
	Timeout      time.Duration
	WaitForReply bool // wait for an RP, not just the echo of our own TX
}

// DefaultQos is used by command constructors that don't need anything
// unusual.
var DefaultQos = QosParams{MaxRetries: 3, Timeout: 3 * time.Second}

type sendState int32

const (
	stateQueued sendState = iota
	stateTransmitted
	stateEchoSeen
	stateReplySeen
	stateDone
	stateFailed
)

func (s sendState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateTransmitted:
		return "transmitted"
	case stateEchoSeen:
		return "echo_seen"
	case stateReplySeen:
		return "reply_seen"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Command is one outbound frame plus its QoS lifecycle: queued, transmitted,
// echo observed, (optionally) reply observed, then done or failed. A
// Command is only ever owned by the Protocol that's currently sending it —
// SendCmd blocks until Wait resolves.
type Command struct {
	Verb     Verb
	Code     Code
	Dst      Address
	Payload  string
	Priority SendPriority
	Qos      QosParams

	// Src, if set, is the address this command's outbound frame claims to
	// be from, overriding the gateway's own id — e.g. to speak on behalf of
	// a device during binding tests. Left zero, the frame is stamped with
	// whatever Protocol.currentSelf reports (spec.md §8 P7). A non-zero Src
	// that differs from the gateway's own id makes this command an
	// impersonation: Protocol emits a PUZZ alert immediately before it
	// (spec.md §4.H).
	Src Address

	createdAt time.Time

	mu       sync.Mutex
	state    sendState
	echoPkt  *Packet
	replyPkt *Packet
	err      error
	done     chan struct{}
}

// NewCommand builds a Command ready to hand to a Protocol.
func NewCommand(verb Verb, code Code, dst Address, payload string, priority SendPriority, qos QosParams) *Command {
	return &Command{
		Verb:      verb,
		Code:      code,
		Dst:       dst,
		Payload:   payload,
		Priority:  priority,
		Qos:       qos,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// String renders the command for logs and ProtocolSendFailed.
func (c *Command) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", c.Verb, c.Code, c.Dst, c.Payload)
}

// frame is the Packet this Command produces when transmitted; self is the
// gateway's own current id, used unless Src overrides it.
func (c *Command) frame(self Address) Packet {
	src := self
	if !c.Src.IsZero() {
		src = c.Src
	}
	return Packet{
		RSSI:    "---",
		Verb:    c.Verb,
		Seqn:    "000",
		Addr0:   src,
		Addr1:   c.Dst,
		Addr2:   MustParseAddress(NoAddr),
		Code:    c.Code,
		Len:     len(c.Payload) / 2,
		Payload: c.Payload,
	}
}

// impersonating reports whether this command's frame will claim to be from
// an address other than the gateway's own current id.
func (c *Command) impersonating(self Address) bool {
	return !c.Src.IsZero() && c.Src.String() != self.String()
}

func (c *Command) setState(s sendState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Command) State() sendState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Command) markEcho(pkt Packet) {
	c.mu.Lock()
	c.echoPkt = &pkt
	c.state = stateEchoSeen
	c.mu.Unlock()
}

func (c *Command) markReply(pkt Packet) {
	c.mu.Lock()
	c.replyPkt = &pkt
	c.state = stateReplySeen
	c.mu.Unlock()
}

// finish moves the command to done/failed and unblocks Wait exactly once.
func (c *Command) finish(err error) {
	c.mu.Lock()
	if c.state == stateDone || c.state == stateFailed {
		c.mu.Unlock()
		return
	}
	c.err = err
	if err != nil {
		c.state = stateFailed
	} else {
		c.state = stateDone
	}
	c.mu.Unlock()
	close(c.done)
}

// Wait blocks until the command is finished (successfully or not), or ctx is
// cancelled first.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Command templates -----------------------------------------------------
//
// These mirror the teacher's package-level Command{cmd: "..."} pattern: one
// named constructor per operation a caller actually wants to perform, rather
// than making every caller hand-assemble Verb/Code/payload themselves.

// CmdZoneParamsRQ requests a zone's current parameters (000A).
func CmdZoneParamsRQ(dst Address, zoneIdx string) *Command {
	return NewCommand(VerbRQ, Code000A, dst, zoneIdx, PriorityDefault, DefaultQos)
}

// CmdSetpointW writes a zone's setpoint (2309), in hundredths of a degree C.
func CmdSetpointW(dst Address, zoneIdx string, centidegrees int) *Command {
	payload := fmt.Sprintf("%s%04X", zoneIdx, uint16(centidegrees))
	return NewCommand(VerbW, Code2309, dst, payload, PriorityHigh, DefaultQos)
}

// CmdRelayDemandRQ requests an actuator's current demand state (3EF1).
func CmdRelayDemandRQ(dst Address) *Command {
	return NewCommand(VerbRQ, Code3EF1, dst, "00", PriorityDefault, DefaultQos)
}

// CmdDeviceInfoRQ requests a device's identity/firmware block (10E0).
func CmdDeviceInfoRQ(dst Address) *Command {
	return NewCommand(VerbRQ, Code10E0, dst, "00", PriorityLow, DefaultQos)
}

// CmdScheduleVersionRQ requests a zone's schedule change-counter (0006), the
// first step of a ScheduleTransfer read.
func CmdScheduleVersionRQ(dst Address, zoneIdx string) *Command {
	return NewCommand(VerbRQ, Code0006, dst, zoneIdx, PriorityDefault, DefaultQos)
}

// CmdScheduleFragmentRQ requests one schedule fragment (0404); fragment and
// totalFragments are 1-based, matching the wire encoding.
func CmdScheduleFragmentRQ(dst Address, zoneIdx string, fragment, totalFragments int) *Command {
	payload := fmt.Sprintf("%s200008%02X%02X", zoneIdx, fragment, totalFragments)
	return NewCommand(VerbRQ, Code0404, dst, payload, PriorityDefault, DefaultQos)
}

// CmdScheduleFragmentW writes one schedule fragment (0404).
func CmdScheduleFragmentW(dst Address, zoneIdx string, fragment, totalFragments int, fragmentHex string) *Command {
	payload := fmt.Sprintf("%s200008%02X%02X%s", zoneIdx, fragment, totalFragments, fragmentHex)
	return NewCommand(VerbW, Code0404, dst, payload, PriorityDefault, QosParams{MaxRetries: 5, Timeout: 3 * time.Second, WaitForReply: true})
}

// encodeBindDevice packs an Address into the 6 hex chars a 1FC9 entry
// carries for a device id. This engine doesn't reproduce the original's
// exact type+serial bit-packing (out of scope per spec.md §1 Non-goals: the
// framework's shape is what matters, not byte-for-byte codec fidelity for
// every field) — it keeps the type byte and the serial's leading 4 digits,
// which is enough to round-trip through parseBindEntries for FSM purposes.
func encodeBindDevice(addr Address) string {
	id := addr.ID()
	if len(id) < 9 {
		return "000000"
	}
	return id[0:2] + id[3:7]
}

// CmdBindOffer builds the broadcast that announces this device's codes to
// any listening respondent (1FC9, binding phase "offer"; spec.md §4.H).
func CmdBindOffer(src Address, offers []BindOfferEntry) *Command {
	payload := ""
	for _, o := range offers {
		payload += fmt.Sprintf("%s%s%s", o.DomainID, string(o.Code), encodeBindDevice(o.Device))
	}
	return NewCommand(VerbI, Code1FC9, BroadcastAddress(), payload, PriorityHigh, DefaultQos)
}

// CmdBindAccept replies to an offer, accepting one or more of the offered
// codes (1FC9, phase "accept").
func CmdBindAccept(dst Address, src Address, accepted []BindOfferEntry) *Command {
	payload := ""
	for _, o := range accepted {
		payload += fmt.Sprintf("%s%s%s", o.DomainID, string(o.Code), encodeBindDevice(src))
	}
	return NewCommand(VerbW, Code1FC9, dst, payload, PriorityHigh, DefaultQos)
}

// CmdBindConfirm closes the handshake out (1FC9, phase "confirm").
func CmdBindConfirm(dst Address, src Address) *Command {
	payload := fmt.Sprintf("00%s%s", string(Code1FC9), encodeBindDevice(src))
	return NewCommand(VerbI, Code1FC9, dst, payload, PriorityHigh, DefaultQos)
}

// BroadcastAddress returns the "63:262142" sentinel as an Address.
func BroadcastAddress() Address { return MustParseAddress(BroadcastAddr) }

// puzzleAlertFrame is the PUZZ (7FFF) frame Protocol emits immediately
// before a command that impersonates another device's id (spec.md §4.H /
// §6's "impersonation prelude"). It's sent from the gateway's own, real
// address — never the impersonated one — so handlePuzz's loop-back check
// (src == self) tells a deliberate self-announced impersonation apart from
// a genuine stranger also claiming self's id on the network.
func puzzleAlertFrame(self, impersonated Address) Packet {
	payload := encodeBindDevice(impersonated)
	return Packet{
		RSSI:    "---",
		Verb:    VerbI,
		Seqn:    "000",
		Addr0:   self,
		Addr1:   BroadcastAddress(),
		Addr2:   MustParseAddress(NoAddr),
		Code:    CodePUZZ,
		Len:     len(payload) / 2,
		Payload: payload,
	}
}
