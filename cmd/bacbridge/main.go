package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/bacbridge/internal/auth"
	"github.com/danmuck/bacbridge/internal/bridge"
	"github.com/danmuck/bacbridge/internal/config"
	"github.com/danmuck/bacbridge/internal/engine"
	"github.com/danmuck/bacbridge/internal/engine/loopback"
	"github.com/danmuck/bacbridge/internal/logging"
	"github.com/danmuck/bacbridge/internal/protocol/session"
	"github.com/danmuck/bacbridge/internal/protocol/tlv"
	"github.com/danmuck/bacbridge/internal/server"
)

func main() {
	configPath := flag.String("config", "", "bridge config path (defaults apply when empty)")
	probe := flag.Bool("probe", false, "discover devices at startup and read their objects")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*configPath, *probe); err != nil {
		fmt.Fprintf(os.Stderr, "bacbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, probe bool) error {
	cfg := config.DefaultBridgeConfig()
	if configPath != "" {
		loaded, err := config.LoadBridgeConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	logger := logging.Component("bacbridge")

	net, err := config.LoopbackNetwork(cfg.Loopback)
	if err != nil {
		return err
	}
	eng := loopback.New(net, bridgeAddress(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := bridge.Open(ctx, eng, cfg.Session,
		bridge.WithName(cfg.SessionName),
		bridge.WithLogger(logging.Component("bridge")),
	)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := provision(ctx, sess, cfg); err != nil {
		return err
	}

	var adminOpts []server.Option
	if cfg.AdminToken != "" {
		adminOpts = append(adminOpts, server.WithAuth(auth.StaticToken{Token: cfg.AdminToken}))
	}
	admin := server.New(cfg.SessionName, cfg.AdminAddr, cfg.CorsOrigins, sess, logging.Component("admin"), adminOpts...)
	events := sess.Subscribe(0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return admin.Serve(gctx)
	})
	g.Go(func() error {
		return watch(gctx, g, sess, events, probe, logger)
	})
	if probe {
		g.Go(func() error {
			return sess.WhoIs(gctx, nil)
		})
	}
	logger.Info().
		Str("session", sess.ID()).
		Int("loopback_devices", len(cfg.Loopback.Devices)).
		Msg("bridge running")
	return g.Wait()
}

// bridgeAddress is the loopback address of this process. It matches the
// local device address when one is configured.
func bridgeAddress(cfg config.BridgeConfig) engine.Address {
	if cfg.LocalDevice {
		return loopback.DeviceAddress(cfg.DeviceInstance)
	}
	return loopback.DeviceAddress(tlv.MaxInstance)
}

// provision applies the local device, hosted objects, static bindings and
// foreign-device registration from cfg.
func provision(ctx context.Context, sess *bridge.Session, cfg config.BridgeConfig) error {
	if cfg.LocalDevice {
		if err := sess.InitDevice(ctx, cfg.DeviceInstance, cfg.DeviceName); err != nil {
			return fmt.Errorf("init device %d: %w", cfg.DeviceInstance, err)
		}
		for _, obj := range cfg.Objects {
			id, err := obj.ObjectID()
			if err != nil {
				return err
			}
			if err := sess.AddObject(ctx, id, obj.Name); err != nil {
				return fmt.Errorf("add object %s: %w", id, err)
			}
		}
	}
	for _, b := range cfg.Bindings {
		if err := sess.AddAddressBinding(ctx, b.Device, b.Host, b.Port); err != nil {
			return fmt.Errorf("bind device %d: %w", b.Device, err)
		}
	}
	if b := cfg.BBMD; b != nil {
		if err := sess.RegisterForeignDevice(ctx, b.Address, b.Port, b.Lease()); err != nil {
			return fmt.Errorf("register foreign device: %w", err)
		}
	}
	return nil
}

// watch logs unsolicited events until ctx ends. A fatal error stops the
// process.
func watch(ctx context.Context, g *errgroup.Group, sess *bridge.Session, l *bridge.Listener, probe bool, logger zerolog.Logger) error {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-l.Events():
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case session.DiscoveryAnnouncement:
				logger.Info().Uint32("device", e.Device).Uint16("network", e.Network).Hex("mac", e.MAC).Msg("device announced")
				if probe {
					g.Go(func() error {
						probeDevice(ctx, sess, e, logger)
						return nil
					})
				}
			case session.ValueChangeNotification:
				logger.Info().Stringer("object", e.Object).Int("values", len(e.Values)).Msg("value changed")
			case session.WriteNotification:
				logger.Info().Stringer("object", e.Object).Uint32("property", uint32(e.Property)).Msg("write received")
			case session.FatalError:
				return e.Err
			}
		}
	}
}
