package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/awilliams/unifi-presence/internal/api"
	"github.com/awilliams/unifi-presence/internal/config"
	"github.com/awilliams/unifi-presence/internal/hass"
	"github.com/awilliams/unifi-presence/internal/logging"
	"github.com/awilliams/unifi-presence/internal/presence"
	"github.com/awilliams/unifi-presence/internal/store"
	"github.com/awilliams/unifi-presence/internal/unifi"
)

const appName = "unifi-presence"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel context when a terminating signal is received.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		log.Printf("Received signal %q, exiting...", <-sigs)
		cancel()
	}()

	if err := run(ctx, appName); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

const helpTxt = `
About:
unifi-presence polls a UniFi Network controller for wireless clients and
reports when tracked devices connect, disconnect or roam between access
points. Events are published to MQTT (optional) and streamed over a
websocket on the HTTP API.

Configuration:
Settings are read from the YAML file given by -config, then from
environment variables prefixed with %s. For example
%sCONTROLLER_HOST sets controller.host. The file is
re-read when it changes or on SIGHUP; controller changes reconnect the
session.

MQTT:
Events are published, not retained, to:

$mqtt.topic_prefix/$site/event/$name

The body of an event message is JSON. Example:

%s

Tracked devices are configured by publishing a retained message to
$mqtt.topic_prefix/config. Example:

{"devices": [{"name": "Phone", "mac": "AB:CD:EF:12:34:56"}]}

HTTP:
GET  /api/status, /api/candidates[?within=hours], /api/accesspoints
GET  /api/devices, /api/devices/{mac}, /api/devices/{mac}/connected[?ap=name]
PUT  /api/devices/{mac} {"name": "Phone"}
DEL  /api/devices/{mac}
GET  /api/events (websocket), /metrics, /healthz
`

// run executes the unifi-presence program. It stops when a fatal error
// occurs or the context is cancelled.
func run(ctx context.Context, appName string) error {
	args := struct {
		config  string
		verbose bool
		version bool
	}{}

	flag.StringVar(&args.config, "config", args.config, "Path to YAML configuration file (optional)")
	flag.BoolVar(&args.verbose, "verbose", args.verbose, "Verbose logging")
	flag.BoolVar(&args.verbose, "v", args.verbose, "Verbose logging (alias)")
	flag.BoolVar(&args.version, "version", args.version, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\nOptions:\n", appName)
		flag.PrintDefaults()

		rssi, pct := -71, 47
		eventEx, _ := json.MarshalIndent(presence.Event{
			Name: presence.EventDeviceConnected,
			Time: time.Now(),
			Device: &presence.DeviceRef{
				MAC:  presence.MAC{0xAB, 0xCD, 0xEF, 0x12, 0x34, 0x56},
				Name: "Phone",
			},
			Tokens: map[string]any{"rssi": rssi, "signalPercent": pct},
		}, "", "  ")

		fmt.Fprintf(os.Stderr, helpTxt, config.EnvPrefix, config.EnvPrefix, string(eventEx))
	}
	flag.Parse()

	if args.version {
		fmt.Printf("unifi-presence v%s\n", version)
		return nil
	}

	cfg, err := config.Load(args.config)
	if err != nil {
		return err
	}
	if args.verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}
	logger.Info().Str("version", version).Str("site", cfg.Controller.Site).Msg("starting")

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	var daemon *presence.Daemon
	src := config.NewSource(args.config, cfg,
		config.WithLogger(logger),
		config.OnChange(func(ctx context.Context, old, cur *config.Config) {
			if old.Controller != cur.Controller {
				daemon.SettingsChanged(ctx)
			}
		}),
	)

	dispatcher := presence.NewDispatcher(logger)
	daemon, err = presence.NewDaemon(ctx,
		presence.WithConnector(presence.UniFiConnector(unifi.NewConnector(unifi.WithLogger(logger)))),
		presence.WithConfigSource(src),
		presence.WithEventSink(dispatcher),
		presence.WithStore(db),
		presence.WithLogger(logger),
		presence.WithIntervals(cfg.Poll.Intervals()),
	)
	if err != nil {
		return err
	}

	hub := api.NewHub(logger)
	if err := dispatcher.OnAll(hub.Handle); err != nil {
		return err
	}

	root := newTree(appName, logger)
	core := newTree("core", logger)
	core.Add(daemonService{daemon})
	core.Add(src)
	root.Add(core)

	outputs := newTree("outputs", logger)
	outputs.Add(hub)
	if cfg.HTTP.Addr != "" {
		srv := api.NewServer(daemon, hub, logger)
		outputs.Add(api.NewHTTPService(cfg.HTTP.Addr, srv.Routes(), logger))
	}
	if cfg.MQTT.Enabled() {
		pub := hass.NewPublisher(daemon, hass.PublisherOpts{
			MQTT: hass.MQTTOpts{
				BrokerAddr:      cfg.MQTT.Broker,
				ClientID:        cfg.MQTT.ClientID,
				Username:        cfg.MQTT.Username,
				Password:        cfg.MQTT.Password,
				Site:            cfg.Controller.Site,
				TopicPrefix:     cfg.MQTT.TopicPrefix,
				DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			},
			Discovery: cfg.MQTT.Discovery,
			Logger:    logger,
		})
		if err := dispatcher.OnAll(pub.Handle); err != nil {
			return err
		}
		outputs.Add(pub)
	}
	root.Add(outputs)

	err = root.Serve(ctx)
	if ctx.Err() != nil {
		logger.Info().Msg("stopped")
		return nil
	}
	return err
}

// newTree returns a supervisor logging its events to logger.
func newTree(name string, logger zerolog.Logger) *suture.Supervisor {
	return suture.New(name, suture.Spec{
		EventHook:        eventHook(logger.With().Str("supervisor", name).Logger()),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}
