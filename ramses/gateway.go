package ramses

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clock lets tests substitute a deterministic time source; production code
// just passes time.Now.
type Clock func() time.Time

// Gateway is the top-level façade: it wires a Transport to a Dispatcher and
// Protocol, runs housekeeping (cache sweeps), and offers the high-level
// operations (Bind, GetSchedule, SetSchedule) a caller actually wants,
// rather than making them drive Protocol/Dispatcher/Binding/ScheduleTransfer
// by hand (spec.md §2, components A-K).
type Gateway struct {
	Config     Config
	Transport  Transport
	Dispatcher *Dispatcher
	Protocol   *Protocol
	Stats      *StatsRegistry
	Log        *slog.Logger
	Clock      Clock

	mu            sync.Mutex
	self          Address
	sweepInt      time.Duration
	scheduleCache map[string]scheduleCacheEntry
}

// scheduleCacheEntry is the last schedule read from a given (device, zone),
// tagged with the 0006 change_counter it was current as of (spec.md §4.I
// step 1-2, scenario S5).
type scheduleCacheEntry struct {
	changeCounter string
	schedule      string
}

func scheduleCacheKey(dst Address, zoneIdx string) string {
	return dst.String() + "/" + zoneIdx
}

// NewGateway constructs a Gateway ready to Run.
func NewGateway(t Transport, cfg Config, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	d := NewDispatcher(log)
	if cfg.EnforceKnownList {
		// Only devices on the known list get an entity; traffic from any
		// other source is then dropped by Dispatcher.Process.
		for _, kd := range cfg.KnownDevices {
			if addr, err := ParseAddress(kd.ID, false); err == nil {
				d.GetEntity(addr)
			}
		}
		d.DontCreateEntities = true
	}

	stats := NewStatsRegistry()
	proto := NewProtocol(t, d, log)
	proto.Stats = stats

	return &Gateway{
		Config:        cfg,
		Transport:     t,
		Dispatcher:    d,
		Protocol:      proto,
		Stats:         stats,
		Log:           log,
		Clock:         time.Now,
		self:          MustParseAddress(HGIGenericAddr),
		sweepInt:      time.Minute,
		scheduleCache: make(map[string]scheduleCacheEntry),
	}
}

// SetSelf records the gateway's real address once learned from the radio
// firmware, and propagates it to the Protocol so outbound frames stop
// claiming to be from the generic placeholder id.
func (g *Gateway) SetSelf(addr Address) {
	g.mu.Lock()
	g.self = addr
	g.mu.Unlock()
	g.Protocol.SetSelf(addr)
}

// Self returns the gateway's current address.
func (g *Gateway) Self() Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.self
}

// Run drives the protocol loop and a housekeeping goroutine until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	go g.housekeep(ctx)
	return g.Protocol.Run(ctx)
}

func (g *Gateway) housekeep(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Dispatcher.Sweep(g.Clock()); n > 0 {
				g.Log.Debug("swept expired cache entries", "count", n)
			}
		}
	}
}

// Bind drives a full Supplicant-side binding handshake to completion,
// offering the given codes and blocking until a respondent accepts and
// confirms, fails, or ctx is cancelled (spec.md §4.H).
func (g *Gateway) Bind(ctx context.Context, offers []BindOfferEntry, deadline time.Duration) (*Binding, error) {
	self := g.Self()
	b := NewSupplicantBinding(self, offers, deadline, g.Clock())

	unsubscribe := g.Protocol.AddHandler(func(msg *Message) {
		if cmd, _ := b.Step(msg, g.Clock()); cmd != nil {
			go func() { _ = g.Protocol.SendCmd(ctx, cmd) }()
		}
	})
	go func() { <-b.Wait(); unsubscribe() }()

	cmd := b.Start()
	if err := g.Protocol.SendCmd(ctx, cmd); err != nil {
		return b, err
	}
	select {
	case <-b.Wait():
		return b, b.Err()
	case <-ctx.Done():
		return b, ctx.Err()
	}
}

// AwaitBinding drives a full Respondent-side binding handshake: it listens
// for an offer, decides what to accept via accept, and blocks until bound,
// failed, or ctx is cancelled.
func (g *Gateway) AwaitBinding(ctx context.Context, accept AcceptFunc, deadline time.Duration) (*Binding, error) {
	self := g.Self()
	b := NewRespondentBinding(self, accept, deadline, g.Clock())

	unsubscribe := g.Protocol.AddHandler(func(msg *Message) {
		if cmd, _ := b.Step(msg, g.Clock()); cmd != nil {
			go func() { _ = g.Protocol.SendCmd(ctx, cmd) }()
		}
	})
	go func() { <-b.Wait(); unsubscribe() }()

	select {
	case <-b.Wait():
		return b, b.Err()
	case <-ctx.Done():
		return b, ctx.Err()
	}
}

// GetSchedule reads a zone's full schedule from dst (spec.md §4.I "Read").
// Unless forceIO is set, a 0006 version probe that comes back with the same
// change_counter as the last cached read short-circuits the 0404 fragment
// loop entirely and returns the cached schedule (scenario S5); forceIO
// always runs the full 0006+0404 exchange regardless of any cache hit.
func (g *Gateway) GetSchedule(ctx context.Context, dst Address, zoneIdx string, deadline time.Duration, forceIO bool) (string, error) {
	self := g.Self()
	key := scheduleCacheKey(dst, zoneIdx)

	g.mu.Lock()
	cached, haveCache := g.scheduleCache[key]
	g.mu.Unlock()

	xfer := NewScheduleRead(self, dst, zoneIdx, deadline, g.Clock())
	if !forceIO && haveCache {
		xfer.CachedCounter = cached.changeCounter
		xfer.CachedSchedule = cached.schedule
	}

	unsubscribe := g.Protocol.AddHandler(func(msg *Message) {
		if cmd, _ := xfer.Step(msg, g.Clock()); cmd != nil {
			go func() { _ = g.Protocol.SendCmd(ctx, cmd) }()
		}
	})
	go func() { <-xfer.Wait(); unsubscribe() }()

	if err := g.Protocol.SendCmd(ctx, xfer.Start()); err != nil {
		return "", err
	}
	select {
	case <-xfer.Wait():
		if err := xfer.Err(); err != nil {
			return "", err
		}
		schedule := xfer.Schedule()
		g.mu.Lock()
		g.scheduleCache[key] = scheduleCacheEntry{changeCounter: xfer.ChangeCounter(), schedule: schedule}
		g.mu.Unlock()
		return schedule, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetSchedule writes fragments (already split to the wire's per-fragment
// size) as a zone's new schedule.
func (g *Gateway) SetSchedule(ctx context.Context, dst Address, zoneIdx string, fragments []string, deadline time.Duration) error {
	self := g.Self()
	xfer := NewScheduleWrite(self, dst, zoneIdx, fragments, deadline, g.Clock())

	unsubscribe := g.Protocol.AddHandler(func(msg *Message) {
		if cmd, _ := xfer.Step(msg, g.Clock()); cmd != nil {
			go func() { _ = g.Protocol.SendCmd(ctx, cmd) }()
		}
	})
	go func() { <-xfer.Wait(); unsubscribe() }()

	if err := g.Protocol.SendCmd(ctx, xfer.Start()); err != nil {
		return err
	}
	select {
	case <-xfer.Wait():
		if err := xfer.Err(); err == nil {
			// A write invalidates any cached read; the next GetSchedule
			// re-probes 0006 and refills the cache from the fresh 0404s.
			g.mu.Lock()
			delete(g.scheduleCache, scheduleCacheKey(dst, zoneIdx))
			g.mu.Unlock()
		}
		return xfer.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
