// Command ramsesd is a thin demonstration gateway: it opens a serial-attached
// HGI80/evofw3 radio, logs every decoded message, and offers a couple of CLI
// flags to exercise a binding or a schedule read against a given device.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/MatusOllah/slogcolor"

	"github.com/ramses-ii/ramses-go/ramses"
)

const configFile = "config.yaml"

var (
	isVerbose  = flag.Bool("verbose", false, "Enable display of DEBUG log messages")
	device     = flag.String("device", "/dev/ttyUSB0", "Serial device the radio gateway is attached to")
	baud       = flag.Int("baud", 115200, "Serial baud rate (38400 for HGI80, 115200 for evofw3)")
	bindWith   = flag.String("bind-zone-setpoint", "", "Broadcast a 2309 binding offer for domain 00, logging this device id as the expected peer, then exit")
	readSched  = flag.String("read-schedule", "", "Read zone idx 00's schedule from this device id, then exit")
)

func main() {
	flag.Parse()

	opts := slogcolor.DefaultOptions
	if *isVerbose {
		opts.Level = slog.LevelDebug
	} else {
		opts.Level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, opts)))

	cfg := ramses.DefaultConfig()
	if loaded, err := ramses.LoadConfig(configFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("configuration file does not exist, using defaults", "fn", configFile)
		} else {
			slog.Error("unable to load configuration file", "fn", configFile, "err", err)
		}
	} else {
		cfg = loaded
		slog.Debug("loaded configuration", "fn", configFile)
	}

	transport, err := ramses.OpenSerial(*device, *baud)
	if err != nil {
		slog.Error("opening serial port", "device", *device, "err", err)
		os.Exit(1)
	}
	defer transport.Close()

	gw := ramses.NewGateway(transport, cfg, slog.Default())
	gw.Protocol.AddHandler(func(msg *ramses.Message) {
		slog.Info("message", "code", msg.Pkt.Code, "verb", msg.Pkt.Verb,
			"src", msg.Pkt.Src(), "dst", msg.Pkt.Dst(), "payload", msg.Pkt.Payload)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("gateway loop exited", "err", err)
		}
	}()

	if *bindWith != "" {
		dst, err := ramses.ParseAddress(*bindWith, false)
		if err != nil {
			slog.Error("bad -bind-zone-setpoint device id", "err", err)
		} else {
			offers := []ramses.BindOfferEntry{{DomainID: "00", Code: "2309", Device: gw.Self()}}
			b, err := gw.Bind(ctx, offers, 30*time.Second)
			if err != nil {
				slog.Error("bind failed", "err", err)
			} else {
				slog.Info("bind finished", "state", b.State(), "peer", dst, "accepted", b.Accepted())
			}
		}
		stop()
		return
	}

	if *readSched != "" {
		dst, err := ramses.ParseAddress(*readSched, false)
		if err != nil {
			slog.Error("bad -read-schedule device id", "err", err)
		} else {
			sched, err := gw.GetSchedule(ctx, dst, "00", 30*time.Second, false)
			if err != nil {
				slog.Error("schedule read failed", "err", err)
			} else {
				slog.Info("schedule read", "bytes", len(sched)/2)
			}
		}
		stop()
		return
	}

	slog.Info("listening", "device", *device)
	<-ctx.Done()
	slog.Info("exiting due to signal")

	if err := cfg.Save(configFile); err != nil {
		slog.Error("error writing out configuration file", "fn", configFile, "err", err)
	}
}
