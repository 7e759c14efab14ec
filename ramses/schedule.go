package ramses

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ScheduleMode is whether a ScheduleTransfer is reading or writing a zone's
// weekly schedule (spec.md §4.I).
type ScheduleMode int

const (
	ScheduleRead ScheduleMode = iota
	ScheduleWrite
)

// ScheduleState is where a ScheduleTransfer sits in the 0006/0404 exchange.
type ScheduleState int

const (
	ScheduleIdle ScheduleState = iota
	ScheduleAwaitingVersion
	ScheduleAwaitingFragment
	ScheduleComplete
	ScheduleFailed
)

func (s ScheduleState) String() string {
	switch s {
	case ScheduleIdle:
		return "idle"
	case ScheduleAwaitingVersion:
		return "awaiting_version"
	case ScheduleAwaitingFragment:
		return "awaiting_fragment"
	case ScheduleComplete:
		return "complete"
	case ScheduleFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ScheduleTransfer drives one read or write of a zone's schedule: a read is
// a 0006 version probe followed by a 0404 fragment-request loop, a write is
// the 0404 fragment-write loop alone (spec.md §4.I). The deadline is checked
// only when Step is fed a 0006/0404 message: one arriving after the deadline
// fails the transfer with ScheduleTimeout. No timer runs on its own, so a
// transfer that receives no further 0006/0404 traffic stays pending until
// its caller stops waiting.
type ScheduleTransfer struct {
	Self    Address
	Dst     Address
	ZoneIdx string
	Mode    ScheduleMode

	// CachedCounter/CachedSchedule, if CachedSchedule is non-empty, are the
	// caller's last-known 0006 change_counter and schedule for this
	// (device, zone) (spec.md §4.I step 1-2). A read whose RP/0006
	// change_counter matches CachedCounter returns CachedSchedule without
	// ever issuing a 0404, unless ForceIO is set.
	CachedCounter  string
	CachedSchedule string
	ForceIO        bool

	mu             sync.Mutex
	state          ScheduleState
	changeCounter  string
	cacheHit       bool
	totalFragments int
	fragment       int // 1-based, "fragment we're currently awaiting/sending"
	readFragments  map[int]string
	writeFragments []string
	deadline       time.Time
	err            error
	done           chan struct{}
}

// NewScheduleRead starts a read of zoneIdx's schedule from dst.
func NewScheduleRead(self, dst Address, zoneIdx string, deadline time.Duration, now time.Time) *ScheduleTransfer {
	return &ScheduleTransfer{
		Self: self, Dst: dst, ZoneIdx: zoneIdx, Mode: ScheduleRead,
		readFragments: make(map[int]string),
		deadline:      now.Add(deadline),
		done:          make(chan struct{}),
	}
}

// NewScheduleWrite starts a write of the given fragments (already split to
// the wire's per-fragment size by the caller) to zoneIdx on dst.
func NewScheduleWrite(self, dst Address, zoneIdx string, fragments []string, deadline time.Duration, now time.Time) *ScheduleTransfer {
	return &ScheduleTransfer{
		Self: self, Dst: dst, ZoneIdx: zoneIdx, Mode: ScheduleWrite,
		writeFragments: fragments,
		totalFragments: len(fragments),
		deadline:       now.Add(deadline),
		done:           make(chan struct{}),
	}
}

// Start returns the first Command to transmit: a 0006 version probe for a
// read, or the first 0404 fragment write for a write.
func (s *ScheduleTransfer) Start() *Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ScheduleIdle {
		return nil
	}
	if s.Mode == ScheduleRead {
		s.state = ScheduleAwaitingVersion
		return CmdScheduleVersionRQ(s.Dst, s.ZoneIdx)
	}
	s.fragment = 1
	s.state = ScheduleAwaitingFragment
	return CmdScheduleFragmentW(s.Dst, s.ZoneIdx, 1, s.totalFragments, s.writeFragments[0])
}

// Step feeds a received 0006/0404 message into the transfer, returning the
// next Command to transmit (if any).
func (s *ScheduleTransfer) Step(msg *Message, now time.Time) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Pkt.Code != Code0006 && msg.Pkt.Code != Code0404 {
		return nil, nil
	}
	if now.After(s.deadline) {
		s.finishLocked(&ScheduleTimeout{ZoneIdx: s.ZoneIdx, Reason: "deadline exceeded in state " + s.state.String()})
		return nil, s.err
	}

	switch s.state {
	case ScheduleAwaitingVersion:
		return s.stepVersion(msg)
	case ScheduleAwaitingFragment:
		return s.stepFragment(msg)
	default:
		return nil, nil
	}
}

func (s *ScheduleTransfer) stepVersion(msg *Message) (*Command, error) {
	if msg.Pkt.Code != Code0006 || msg.Pkt.Verb != VerbRP {
		return nil, nil
	}
	if len(msg.Pkt.Payload) < 8 {
		return nil, nil
	}
	s.changeCounter = msg.Pkt.Payload[2:8]

	if s.Mode == ScheduleRead && !s.ForceIO && s.CachedSchedule != "" && s.changeCounter == s.CachedCounter {
		s.cacheHit = true
		s.finishLocked(nil)
		return nil, nil
	}

	s.fragment = 1
	s.state = ScheduleAwaitingFragment
	return CmdScheduleFragmentRQ(s.Dst, s.ZoneIdx, 1, 0), nil
}

func (s *ScheduleTransfer) stepFragment(msg *Message) (*Command, error) {
	if msg.Pkt.Code != Code0404 || msg.Pkt.Verb != VerbRP {
		return nil, nil
	}
	fragNum, total, data, err := decodeScheduleFragment(msg.Pkt.Payload)
	if err != nil {
		return nil, nil
	}
	if fragNum != s.fragment {
		return nil, nil // stale/duplicate reply, ignore
	}

	if s.Mode == ScheduleRead {
		s.readFragments[fragNum] = data
		s.totalFragments = total
		if fragNum >= total {
			s.finishLocked(nil)
			return nil, nil
		}
		s.fragment++
		return CmdScheduleFragmentRQ(s.Dst, s.ZoneIdx, s.fragment, total), nil
	}

	// write mode: an RP to our W is the per-fragment ack
	if s.fragment >= s.totalFragments {
		s.finishLocked(nil)
		return nil, nil
	}
	s.fragment++
	return CmdScheduleFragmentW(s.Dst, s.ZoneIdx, s.fragment, s.totalFragments, s.writeFragments[s.fragment-1]), nil
}

func (s *ScheduleTransfer) finishLocked(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.err = err
	if err != nil {
		s.state = ScheduleFailed
	} else {
		s.state = ScheduleComplete
	}
	close(s.done)
}

// Wait returns a channel that closes once the transfer finishes.
func (s *ScheduleTransfer) Wait() <-chan struct{} { return s.done }

// Err returns the transfer's terminal error, valid once Wait's channel closes.
func (s *ScheduleTransfer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Schedule concatenates the fragments collected by a completed read, in
// fragment order, as one hex string — or, on a cache hit (spec.md §4.I step
// 1-2), returns CachedSchedule untouched without ever having fetched 0404
// fragments.
func (s *ScheduleTransfer) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cacheHit {
		return s.CachedSchedule
	}
	var sb strings.Builder
	for i := 1; i <= s.totalFragments; i++ {
		sb.WriteString(s.readFragments[i])
	}
	return sb.String()
}

// ChangeCounter returns the change_counter observed from the 0006 reply
// (valid once the transfer completes), for the caller to cache alongside
// the schedule for a future force_io=false read.
func (s *ScheduleTransfer) ChangeCounter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changeCounter
}

// CacheHit reports whether this read was satisfied entirely from
// CachedSchedule without any 0404 traffic.
func (s *ScheduleTransfer) CacheHit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheHit
}

// decodeScheduleFragment pulls (fragment_number, total_fragments, data) out
// of a 0404 payload: zoneIdx(2) + "200008" + fragNum(2) + total(2) + data.
func decodeScheduleFragment(payload string) (frag, total int, data string, err error) {
	if len(payload) < 14 {
		return 0, 0, "", fmt.Errorf("0404 payload too short: %q", payload)
	}
	frag64, err := strconv.ParseInt(payload[8:10], 16, 32)
	if err != nil {
		return 0, 0, "", err
	}
	total64, err := strconv.ParseInt(payload[10:12], 16, 32)
	if err != nil {
		return 0, 0, "", err
	}
	return int(frag64), int(total64), payload[12:], nil
}
