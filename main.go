package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"uartbridge-go/bus"
	"uartbridge-go/services/bridge"
	"uartbridge-go/services/config"
	"uartbridge-go/services/console"
	"uartbridge-go/services/heartbeat"
	"uartbridge-go/services/serial"
	"uartbridge-go/x/logx"
)

func main() {
	start := time.Now()

	device := flag.String("device", defaultDevice, "embedded configuration to run")
	path := flag.String("config", "", "JSON configuration file; overrides -device")
	list := flag.Bool("list", false, "list serial ports on this host and exit")
	level := flag.String("log-level", "", "log level; overrides the configuration")
	noColor := flag.Bool("no-color", false, "disable coloured log output")
	flag.Parse()

	if *list {
		if err := listPorts(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	lv := new(slog.LevelVar)
	log := logx.New(os.Stderr, logx.Options{Level: lv, NoColor: *noColor, Start: start})
	slog.SetDefault(log)

	if err := run(log, lv, *device, *path, *level); err != nil {
		log.Error("exit", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, lv *slog.LevelVar, device, path, level string) error {
	raw, err := config.Load(device, path)
	if err != nil {
		return err
	}
	cfg, err := config.Decode(raw)
	if err != nil {
		return err
	}
	if level == "" {
		level = cfg.Log.Level
	}
	l, err := logx.ParseLevel(level)
	if err != nil {
		return err
	}
	lv.Set(l)
	log.Info("boot", "device", device, "config", path, "ports", len(cfg.Ports))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b := bus.NewBus(32)

	cctx := context.WithValue(ctx, config.CtxDeviceKey, device)
	cctx = context.WithValue(cctx, config.CtxPathKey, path)
	config.NewConfigService(log).Start(cctx, b.NewConnection("config"))

	ser := serial.New(b.NewConnection("serial"), nil, log)
	if err := ser.Start(ctx, cfg.Ports); err != nil {
		log.Warn("some ports failed to open", "err", err)
	}

	if cfg.Console.Enabled {
		p, err := ser.Claim(cfg.Console.Port)
		if err != nil {
			return err
		}
		con := console.New(p,
			console.WithPrompt(cfg.Console.Prompt),
			console.WithLogger(log),
			console.WithLevel(lv),
			console.WithStats(ser),
			console.WithStart(time.Now()),
		)
		go func() {
			if err := con.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Error("console stopped", "err", err)
			}
		}()
	}

	go bridge.Start(ctx, b.NewConnection("bridge"), claimDialer(ser), log)

	hb := &heartbeat.Service{Stats: ser, Log: log}
	if err := hb.Start(ctx, b.NewConnection("heartbeat")); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")
	<-ser.Done()
	return nil
}

// claimDialer claims a port on first use and hands the same port back on
// every redial.
func claimDialer(ser *serial.Service) bridge.Dialer {
	var mu sync.Mutex
	claimed := map[string]serial.Port{}
	return func(_ context.Context, id string) (bridge.Link, error) {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := claimed[id]; ok {
			return p, nil
		}
		p, err := ser.Claim(id)
		if err != nil {
			return nil, err
		}
		claimed[id] = p
		return p, nil
	}
}
