package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/uxi-energy/attendantd/attendant"
	"github.com/uxi-energy/attendantd/ble"
	"github.com/uxi-energy/attendantd/bridge"
	"github.com/uxi-energy/attendantd/config"
	"github.com/uxi-energy/attendantd/fleet"
	"github.com/uxi-energy/attendantd/mqttlink"
	"github.com/uxi-energy/attendantd/odoo"
	"github.com/uxi-energy/attendantd/repository"
	"github.com/uxi-energy/attendantd/scanbind"
)

func main() {

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "attendantd.json", "path to the config file")
	flag.Parse()

	// secrets come from the environment, optionally seeded from a .env file
	godotenv.Load()

	slog.Info("Starting attendantd...")

	cfg, err := config.Read(*configPath)
	if err != nil {
		slog.Error("Failed to read config", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	// The native host may not be there (e.g. running against a bare terminal
	// image); the bridge then fails every call as a precondition, which the
	// orchestrator surfaces without retrying.
	var conn bridge.Conn
	conn, err = bridge.Dial(cfg.Bridge.SocketPath)
	if err != nil {
		slog.Warn("Native bridge socket unavailable", "path", cfg.Bridge.SocketPath, "error", err)
		conn = nil
	}
	b := bridge.New(conn)
	go b.Run(ctx)

	repo, err := repository.New(cfg.Fleet.BufferFile)
	if err != nil {
		slog.Error("Failed to open local buffer", "error", err)
		return
	}

	fleetUploader := fleet.New(cfg.Fleet.Supabase.Url, os.Getenv("SUPABASE_KEY"), cfg.Fleet.Supabase.Schema, repo)
	uploadInterval := time.Duration(cfg.Fleet.UploadIntervalSecs) * time.Second
	if uploadInterval <= 0 {
		uploadInterval = 30 * time.Second
	}
	go fleetUploader.Run(ctx, uploadInterval)

	machine := scanbind.New(b, ble.NewReader(b))
	machine.SetTimings(cfg.Scan.Timings())
	go machine.Run(ctx)

	odooClient := odoo.New(cfg.Odoo.URL, os.Getenv("ODOO_API_KEY"))

	qos := byte(cfg.Mqtt.QoS)
	var transport mqttlink.Transport
	if cfg.Mqtt.Mode == "direct" {
		paho := mqttlink.NewPahoTransport(mqttlink.BrokerConfig{
			Host:     cfg.Mqtt.Host,
			Port:     cfg.Mqtt.Port,
			ClientID: cfg.Mqtt.ClientID,
			Username: cfg.Mqtt.Username,
			Password: os.Getenv("MQTT_PASSWORD"),
		})
		if err := paho.Connect(ctx); err != nil {
			slog.Error("Failed to connect to broker", "error", err)
			return
		}
		defer paho.Close()
		transport = paho
	} else {
		bridged := mqttlink.NewBridgeTransport(b)
		// retried in the background: the native stack may come up after us,
		// publishing fails loudly until the handshake lands
		go func() {
			err := bridged.EnsureConnected(ctx, bridge.MqttConfig{
				Host:     cfg.Mqtt.Host,
				Port:     cfg.Mqtt.Port,
				ClientID: cfg.Mqtt.ClientID,
				Username: cfg.Mqtt.Username,
				Password: os.Getenv("MQTT_PASSWORD"),
			})
			if err != nil {
				slog.Error("Native MQTT handshake abandoned", "error", err)
			}
		}()
		transport = bridged
	}
	link := mqttlink.New(transport, qos)

	att := attendant.New(attendant.Config{
		KioskID:    cfg.Kiosk.ID,
		ActorID:    cfg.Kiosk.ActorID,
		RatePerKwh: cfg.Tariff.BaseRate,
		Rates:      &cfg.Tariff,
		Currency:   cfg.Tariff.Currency,
	}, machine, b, odooClient, link, fleetUploader.Events)
	att.WirePushes(b)
	go att.Run(ctx)

	slog.Info("attendantd running", "kiosk", cfg.Kiosk.ID)

	// wait for a ctrl-c interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan

	// cancel any open go-routines and give them up to 100ms to gracefully shutdown
	cancel()
	time.Sleep(time.Millisecond * 100)

	slog.Info("Exiting")
	os.Exit(0)
}
