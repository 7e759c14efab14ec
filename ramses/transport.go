package ramses

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Transport is what Protocol needs from the wire: a stream of received
// frame lines, and a way to send one, rate-limited so the radio isn't
// flooded (spec.md §4.D).
type Transport interface {
	Lines() <-chan string
	Write(ctx context.Context, line string) error
	Close() error
}

// minInterFrameGap is the minimum spacing enforced between two outbound
// writes — the gateway firmware drops frames sent back-to-back too fast.
const minInterFrameGap = 200 * time.Millisecond

// SerialTransport is a Transport backed by an HGI80 or evofw3 USB radio
// gateway attached as a serial port.
type SerialTransport struct {
	port *serial.Port

	lines  chan string
	closed chan struct{}
	once   sync.Once

	writeMu   sync.Mutex
	lastWrite time.Time
}

// OpenSerial opens device at baud (38400 for an HGI80, 115200 for evofw3)
// and starts the read-loop goroutine.
func OpenSerial(device string, baud int) (*SerialTransport, error) {
	cfg := &serial.Config{Name: device, Baud: baud, ReadTimeout: time.Second}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, wrapf(err, "opening serial port %s", device)
	}
	t := &SerialTransport{
		port:   port,
		lines:  make(chan string, 256),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *SerialTransport) readLoop() {
	r := bufio.NewReader(t.port)
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			select {
			case t.lines <- line:
			case <-t.closed:
				close(t.lines)
				return
			}
		}
		if err != nil {
			close(t.lines)
			return
		}
	}
}

// Lines returns the channel of received, CRLF-stripped frame lines. It's
// closed when the underlying port is closed or errors out.
func (t *SerialTransport) Lines() <-chan string { return t.lines }

// Write sends one CRLF-terminated line, waiting out minInterFrameGap since
// the previous write if necessary.
func (t *SerialTransport) Write(ctx context.Context, line string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if wait := minInterFrameGap - time.Since(t.lastWrite); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := t.port.Write([]byte(line + "\r\n"))
	t.lastWrite = time.Now()
	if err != nil {
		return &ConnectionLost{Cause: err}
	}
	return nil
}

// Close stops the read loop and closes the serial port.
func (t *SerialTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.port.Close()
}

// GatewayKind is which firmware family is on the other end of the serial
// link; the two report their own startup banner differently, and evofw3
// additionally echoes the RSSI/VERB grammar with a leading "!" for its own
// diagnostic lines, which callers should filter out upstream of ParsePacket.
type GatewayKind int

const (
	GatewayUnknown GatewayKind = iota
	GatewayHGI80
	GatewayEvofw3
)

// DetectGatewayKind inspects one line of early gateway output (its startup
// banner) and classifies which firmware produced it.
func DetectGatewayKind(line string) GatewayKind {
	switch {
	case strings.Contains(line, "evofw3"):
		return GatewayEvofw3
	case strings.Contains(line, "HGI80"):
		return GatewayHGI80
	default:
		return GatewayUnknown
	}
}
