package ramses

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport double: tests push inbound lines
// via feed, and inspect outbound ones via writes. It never errors and never
// rate-limits, unlike SerialTransport — Protocol's own retry/QoS timers are
// what's under test here, not the wire.
type fakeTransport struct {
	lines chan string

	mu     sync.Mutex
	writes []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lines: make(chan string, 64)}
}

func (f *fakeTransport) Lines() <-chan string { return f.lines }

func (f *fakeTransport) Write(ctx context.Context, line string) error {
	f.mu.Lock()
	f.writes = append(f.writes, line)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) feed(line string) { f.lines <- line }

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) lastWrite() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return ""
	}
	return f.writes[len(f.writes)-1]
}

func (f *fakeTransport) writeAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[i]
}

func newTestProtocol() (*Protocol, *fakeTransport) {
	tr := newFakeTransport()
	p := NewProtocol(tr, NewDispatcher(nil), nil)
	return p, tr
}

// TestProtocolAtMostOneCommandInFlight is P5: a second SendCmd must not
// transmit until the first has been echoed (and replied-to, if WaitForReply).
func TestProtocolAtMostOneCommandInFlight(t *testing.T) {
	p, tr := newTestProtocol()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	dst := MustParseAddress("01:145038")
	first := CmdZoneParamsRQ(dst, "00")
	second := CmdZoneParamsRQ(dst, "01")

	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	go func() { done1 <- p.SendCmd(ctx, first) }()

	require.Eventually(t, func() bool { return tr.writeCount() == 1 }, time.Second, time.Millisecond)

	go func() { done2 <- p.SendCmd(ctx, second) }()
	// Give the second command every chance to (wrongly) jump the queue.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.writeCount(), "second command must not transmit while the first is in flight")

	echo, err := ParsePacket(first.frame(p.currentSelf()).String())
	require.NoError(t, err)
	tr.feed(echo.String())
	require.NoError(t, <-done1)

	require.Eventually(t, func() bool { return tr.writeCount() == 2 }, time.Second, time.Millisecond)

	echo2, err := ParsePacket(second.frame(p.currentSelf()).String())
	require.NoError(t, err)
	tr.feed(echo2.String())
	require.NoError(t, <-done2)
}

// TestProtocolEchoTimeoutRetriesThenFails exercises the no-echo retry path:
// the transport never reflects the command back, so Protocol must retransmit
// up to Qos.MaxRetries and then fail the command with ProtocolSendFailed.
func TestProtocolEchoTimeoutRetriesThenFails(t *testing.T) {
	p, tr := newTestProtocol()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	dst := MustParseAddress("01:145038")
	cmd := NewCommand(VerbRQ, Code000A, dst, "00", PriorityDefault,
		QosParams{MaxRetries: 2, Timeout: 20 * time.Millisecond})

	err := p.SendCmd(ctx, cmd)
	var failed *ProtocolSendFailed
	require.ErrorAs(t, err, &failed)

	// Initial transmit plus 2 retries = 3 writes, none of them ever echoed.
	assert.Equal(t, 3, tr.writeCount())
}

// TestProtocolReplyTimeoutRetriesThenFails exercises the echo-seen-but-no-
// reply path: the echo arrives (so no retransmit fires on that account), but
// WaitForReply never sees an RP, so Protocol must retry the whole send and
// eventually fail.
func TestProtocolReplyTimeoutRetriesThenFails(t *testing.T) {
	p, tr := newTestProtocol()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	dst := MustParseAddress("01:145038")
	cmd := NewCommand(VerbRQ, Code000A, dst, "00", PriorityDefault,
		QosParams{MaxRetries: 1, Timeout: 20 * time.Millisecond, WaitForReply: true})

	errCh := make(chan error, 1)
	go func() { errCh <- p.SendCmd(ctx, cmd) }()

	require.Eventually(t, func() bool { return tr.writeCount() >= 1 }, time.Second, time.Millisecond)
	echo, err := ParsePacket(cmd.frame(p.currentSelf()).String())
	require.NoError(t, err)
	tr.feed(echo.String())

	err = <-errCh
	var failed *ProtocolSendFailed
	require.ErrorAs(t, err, &failed)

	// One retransmit after the echo-but-no-reply timeout: 2 writes total.
	assert.Equal(t, 2, tr.writeCount())
}

// TestProtocolReplySucceeds is the happy path for WaitForReply: echo then a
// matching RP from the destination completes the command.
func TestProtocolReplySucceeds(t *testing.T) {
	p, tr := newTestProtocol()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	dst := MustParseAddress("01:145038")
	cmd := NewCommand(VerbRQ, Code000A, dst, "00", PriorityDefault,
		QosParams{MaxRetries: 2, Timeout: time.Second, WaitForReply: true})

	errCh := make(chan error, 1)
	go func() { errCh <- p.SendCmd(ctx, cmd) }()

	require.Eventually(t, func() bool { return tr.writeCount() == 1 }, time.Second, time.Millisecond)
	echo, err := ParsePacket(cmd.frame(p.currentSelf()).String())
	require.NoError(t, err)
	tr.feed(echo.String())

	reply, err := ParsePacket("046 RP 000 01:145038 " + p.currentSelf().String() + " --:------ 000A 006 02FF1F40FFFF")
	require.NoError(t, err)
	tr.feed(reply.String())

	require.NoError(t, <-errCh)
}

// TestProtocolAddHandlerUnsubscribe confirms the unsubscribe func returned
// by AddHandler actually stops fan-out delivery.
func TestProtocolAddHandlerUnsubscribe(t *testing.T) {
	p, tr := newTestProtocol()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	var mu sync.Mutex
	count := 0
	unsubscribe := p.AddHandler(func(msg *Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	pkt, err := ParsePacket(sampleZoneTempLine)
	require.NoError(t, err)
	tr.feed(pkt.String())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, time.Millisecond)

	unsubscribe()
	tr.feed(pkt.String())
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "handler must not fire again after unsubscribe")
}

// TestProtocolImpersonationEmitsAlertBeforeCommand is P7: a command whose
// Src differs from the gateway's own id must be preceded on the wire by a
// PUZZ (7FFF) alert frame, sent from the gateway's real address.
func TestProtocolImpersonationEmitsAlertBeforeCommand(t *testing.T) {
	p, tr := newTestProtocol()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	dst := MustParseAddress("01:145038")
	impersonated := MustParseAddress("04:123456")
	cmd := CmdZoneParamsRQ(dst, "00")
	cmd.Src = impersonated

	errCh := make(chan error, 1)
	go func() { errCh <- p.SendCmd(ctx, cmd) }()

	require.Eventually(t, func() bool { return tr.writeCount() == 2 }, time.Second, time.Millisecond)

	alert, err := ParsePacket(tr.writeAt(0))
	require.NoError(t, err)
	assert.Equal(t, CodePUZZ, alert.Code)
	assert.Equal(t, p.currentSelf().String(), alert.Src().String(), "alert must come from the gateway's own id, not the impersonated one")

	impersonatedFrame, err := ParsePacket(tr.writeAt(1))
	require.NoError(t, err)
	assert.Equal(t, impersonated.String(), impersonatedFrame.Addr0.String())

	tr.feed(tr.writeAt(1))
	require.NoError(t, <-errCh)
}

// TestProtocolImpersonationSuppressed confirms SuppressImpersonationAlerts
// skips the PUZZ prelude entirely.
func TestProtocolImpersonationSuppressed(t *testing.T) {
	p, tr := newTestProtocol()
	p.SuppressImpersonationAlerts = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	dst := MustParseAddress("01:145038")
	impersonated := MustParseAddress("04:123456")
	cmd := CmdZoneParamsRQ(dst, "00")
	cmd.Src = impersonated

	errCh := make(chan error, 1)
	go func() { errCh <- p.SendCmd(ctx, cmd) }()

	require.Eventually(t, func() bool { return tr.writeCount() == 1 }, time.Second, time.Millisecond)
	frame, err := ParsePacket(tr.lastWrite())
	require.NoError(t, err)
	assert.Equal(t, Code000A, frame.Code)

	tr.feed(tr.lastWrite())
	require.NoError(t, <-errCh)
}
