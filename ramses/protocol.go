package ramses

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// queueItem is one entry in Protocol's outbound priority queue.
type queueItem struct {
	cmd  *Command
	seq  int64 // tie-break: lower enqueued first within the same priority
	index int  // maintained by container/heap
}

// cmdQueue is a min-heap ordered by (Priority, seq) — container/heap is used
// here because nothing in the example pack offers a priority queue of its
// own; everything else in this engine reaches for a pack library first
// (spec.md §9).
type cmdQueue []*queueItem

func (q cmdQueue) Len() int { return len(q) }
func (q cmdQueue) Less(i, j int) bool {
	if q[i].cmd.Priority != q[j].cmd.Priority {
		return q[i].cmd.Priority < q[j].cmd.Priority
	}
	return q[i].seq < q[j].seq
}
func (q cmdQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *cmdQueue) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*q)
	*q = append(*q, it)
}
func (q *cmdQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Protocol is the QoS layer: a priority queue of outbound Commands, single
// command in flight, echo/reply correlation with retry, and impersonation
// detection via PUZZ (7FFF) frames (spec.md §4.F/§4.G).
type Protocol struct {
	Transport  Transport
	Dispatcher *Dispatcher
	Log        *slog.Logger
	Stats      *StatsRegistry // optional; set by the caller (see Gateway) to sample SendCmd round-trip latency

	// SuppressImpersonationAlerts skips the PUZZ prelude Protocol would
	// otherwise emit ahead of an impersonating Command (spec.md §4.H: "...
	// unless alerts are suppressed"). Tests exercising impersonation
	// without wanting the extra frame on the wire set this.
	SuppressImpersonationAlerts bool

	mu      sync.Mutex
	queue   cmdQueue
	nextSeq int64
	current *Command
	self    Address

	handlersMu sync.Mutex
	handlers   []*handlerEntry
	nextHandle int

	wake chan struct{}
}

// handlerEntry is one AddHandler registration. The unsubscribe func
// AddHandler returns splices the entry out of the slice under handlersMu;
// fanOut iterates over a copy taken under the same lock, so a removal never
// races the iteration.
type handlerEntry struct {
	id int
	fn func(*Message)
}

// NewProtocol wires a Transport and Dispatcher together. self is the
// gateway's own address; it starts as HGIGenericAddr until the firmware
// reports its real id (see SetSelf).
func NewProtocol(t Transport, d *Dispatcher, log *slog.Logger) *Protocol {
	if log == nil {
		log = slog.Default()
	}
	p := &Protocol{
		Transport:  t,
		Dispatcher: d,
		Log:        log,
		self:       MustParseAddress(HGIGenericAddr),
		wake:       make(chan struct{}, 1),
	}
	heap.Init(&p.queue)
	return p
}

// SetSelf updates the address substituted for HGIGenericAddr on outbound
// frames, once the gateway's real id is known (spec.md §8 P7).
func (p *Protocol) SetSelf(addr Address) {
	p.mu.Lock()
	p.self = addr
	p.mu.Unlock()
}

// AddHandler registers a callback invoked for every successfully-processed
// inbound Message, in registration order. The returned func unregisters it;
// callers that add a handler scoped to one FSM (a Binding, a
// ScheduleTransfer) must call it once that FSM finishes, or the handler
// leaks for the rest of the process's life, re-invoking a dead FSM's Step on
// every subsequent message (spec.md §4.H's add_handler/unsubscribe).
func (p *Protocol) AddHandler(h func(*Message)) func() {
	p.handlersMu.Lock()
	id := p.nextHandle
	p.nextHandle++
	entry := &handlerEntry{id: id, fn: h}
	p.handlers = append(p.handlers, entry)
	p.handlersMu.Unlock()

	return func() {
		p.handlersMu.Lock()
		defer p.handlersMu.Unlock()
		for i, e := range p.handlers {
			if e.id == id {
				p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
				return
			}
		}
	}
}

// SendCmd enqueues cmd and blocks until it's done (echoed, and replied-to if
// requested), retried, or ctx is cancelled. On success it samples the
// enqueue-to-done latency into Stats, the same way the teacher's Client.Do
// fed sampleCommandLatency.
func (p *Protocol) SendCmd(ctx context.Context, cmd *Command) error {
	start := time.Now()
	p.mu.Lock()
	heap.Push(&p.queue, &queueItem{cmd: cmd, seq: p.nextSeq})
	p.nextSeq++
	p.mu.Unlock()
	p.nudge()
	err := cmd.Wait(ctx)
	if err == nil && p.Stats != nil {
		p.Stats.Sample(cmd.Code, time.Since(start))
	}
	return err
}

func (p *Protocol) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drives the protocol until ctx is cancelled or the transport's line
// channel closes. It owns all mutation of in-flight send state; callers
// only ever interact via SendCmd/AddHandler.
func (p *Protocol) Run(ctx context.Context) error {
	lines := p.Transport.Lines()
	var retryTimer *time.Timer
	var retryCh <-chan time.Time
	retries := 0
	awaitingReply := false

	stopRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryCh = nil
		}
	}
	defer stopRetry()

	armRetry := func(d time.Duration) {
		stopRetry()
		retryTimer = time.NewTimer(d)
		retryCh = retryTimer.C
	}

	transmit := func(cmd *Command) {
		if err := p.writeCmdFrame(ctx, cmd); err != nil {
			cmd.finish(err)
			p.clearCurrent()
			return
		}
		cmd.setState(stateTransmitted)
		armRetry(cmd.Qos.Timeout)
	}

	for {
		p.maybeStartNext(transmit)

		select {
		case <-ctx.Done():
			p.failAll(ctx.Err())
			return ctx.Err()

		case <-p.wake:
			continue

		case line, ok := <-lines:
			if !ok {
				p.failAll(&ConnectionLost{})
				return &ConnectionLost{}
			}
			p.handleLine(line, &retries, &awaitingReply, armRetry, stopRetry)

		case <-retryCh:
			p.handleRetryTimeout(&retries, awaitingReply, armRetry, stopRetry)
		}
	}
}

func (p *Protocol) currentSelf() Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

// writeCmdFrame writes cmd's frame to the transport, first emitting a PUZZ
// impersonation alert if cmd.Src claims an id other than the gateway's own
// (spec.md §4.H). Used for both the initial transmission and every retry —
// an impersonating frame needs the alert ahead of it on every appearance on
// the wire, not just the first.
func (p *Protocol) writeCmdFrame(ctx context.Context, cmd *Command) error {
	self := p.currentSelf()
	if cmd.impersonating(self) && !p.SuppressImpersonationAlerts {
		alert := puzzleAlertFrame(self, cmd.Src)
		if err := p.Transport.Write(ctx, alert.String()); err != nil {
			return err
		}
	}
	return p.Transport.Write(ctx, cmd.frame(self).String())
}

// maybeStartNext transmits the next queued command if none is in flight.
func (p *Protocol) maybeStartNext(transmit func(*Command)) {
	p.mu.Lock()
	if p.current != nil || p.queue.Len() == 0 {
		p.mu.Unlock()
		return
	}
	item := heap.Pop(&p.queue).(*queueItem)
	p.current = item.cmd
	p.mu.Unlock()
	transmit(item.cmd)
}

func (p *Protocol) clearCurrent() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.nudge()
}

func (p *Protocol) handleLine(line string, retries *int, awaitingReply *bool, armRetry func(time.Duration), stopRetry func()) {
	pkt, err := ParsePacket(line)
	if err != nil {
		p.Log.Debug("dropping malformed line", "line", line, "err", err)
		return
	}
	if pkt.Code == CodePUZZ {
		p.handlePuzz(pkt)
		return
	}

	msg, err := p.Dispatcher.Process(pkt, time.Now())
	if err != nil {
		p.Log.Warn("dropping packet", "err", err)
		p.Log.Debug("dropped packet detail", "dump", Dump(pkt))
		return
	}

	p.matchCurrent(msg, retries, awaitingReply, armRetry, stopRetry)
	p.fanOut(msg)
}

// handlePuzz logs an impersonation warning when a 7FFF frame comes from an
// address other than this gateway's own; a PUZZ from our own address is the
// alert writeCmdFrame itself emitted, and is ignored.
func (p *Protocol) handlePuzz(pkt Packet) {
	if pkt.Src().String() == p.currentSelf().String() {
		return
	}
	p.Log.Warn("PUZZ packet seen: possible HGI impersonation on the network", "src", pkt.Src())
}

func (p *Protocol) matchCurrent(msg *Message, retries *int, awaitingReply *bool, armRetry func(time.Duration), stopRetry func()) {
	p.mu.Lock()
	cmd := p.current
	p.mu.Unlock()
	if cmd == nil {
		return
	}

	switch {
	case cmd.State() == stateTransmitted &&
		msg.Pkt.Code == cmd.Code && msg.Pkt.Verb == cmd.Verb &&
		msg.Pkt.Payload == cmd.Payload:
		cmd.markEcho(msg.Pkt)
		*retries = 0
		if cmd.Qos.WaitForReply {
			*awaitingReply = true
			armRetry(cmd.Qos.Timeout)
		} else {
			cmd.finish(nil)
			stopRetry()
			p.clearCurrent()
		}

	case cmd.State() == stateEchoSeen && *awaitingReply &&
		msg.Pkt.Code == cmd.Code && msg.Pkt.Verb == VerbRP && msg.Pkt.Src().String() == cmd.Dst.String():
		cmd.markReply(msg.Pkt)
		cmd.finish(nil)
		*awaitingReply = false
		stopRetry()
		p.clearCurrent()
	}
}

func (p *Protocol) handleRetryTimeout(retries *int, awaitingReply bool, armRetry func(time.Duration), stopRetry func()) {
	p.mu.Lock()
	cmd := p.current
	p.mu.Unlock()
	if cmd == nil {
		stopRetry()
		return
	}
	*retries++
	if *retries > cmd.Qos.MaxRetries {
		cmd.finish(&ProtocolSendFailed{Cmd: cmd, Reason: "no echo/reply after max retries"})
		stopRetry()
		*retries = 0
		p.clearCurrent()
		return
	}
	_ = p.writeCmdFrame(context.Background(), cmd)
	armRetry(cmd.Qos.Timeout)
}

func (p *Protocol) fanOut(msg *Message) {
	p.handlersMu.Lock()
	handlers := append([]*handlerEntry{}, p.handlers...)
	p.handlersMu.Unlock()
	for _, e := range handlers {
		e.fn(msg)
	}
}

func (p *Protocol) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.finish(err)
		p.current = nil
	}
	for p.queue.Len() > 0 {
		item := heap.Pop(&p.queue).(*queueItem)
		item.cmd.finish(err)
	}
}
