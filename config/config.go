package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/uxi-energy/attendantd/scanbind"
)

type KioskConfig struct {
	ID      uuid.UUID `json:"id"`
	ActorID string    `json:"actorId"`
}

type BridgeConfig struct {
	SocketPath string `json:"socketPath"`
}

type MqttConfig struct {
	// Mode selects who owns the broker connection: "bridge" rides the native
	// MQTT stack, "direct" connects from this process.
	Mode     string `json:"mode"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	// password is specified via env var
	QoS int `json:"qos"`
}

type OdooConfig struct {
	URL string `json:"url"`
	// api key is specified via env var
}

type SupabaseConfig struct {
	Url string `json:"url"`
	// key is specified via env var
	Schema string `json:"schema"`
}

type FleetConfig struct {
	UploadIntervalSecs int            `json:"uploadIntervalSecs"`
	BufferFile         string         `json:"bufferFile"`
	Supabase           SupabaseConfig `json:"supabase"`
}

// ScanConfig overrides the scan-to-bind phase timeouts. Zero fields keep the
// defaults.
type ScanConfig struct {
	ScannerOpenSecs int `json:"scannerOpenSecs"`
	ConnectSecs     int `json:"connectSecs"`
	ReadPhaseSecs   int `json:"readPhaseSecs"`
}

// Timings converts the configured overrides into the machine's timing set.
func (s ScanConfig) Timings() scanbind.Timings {
	timings := scanbind.DefaultTimings()
	if s.ScannerOpenSecs > 0 {
		timings.ScannerOpen = time.Duration(s.ScannerOpenSecs) * time.Second
	}
	if s.ConnectSecs > 0 {
		timings.Connect = time.Duration(s.ConnectSecs) * time.Second
	}
	if s.ReadPhaseSecs > 0 {
		timings.ReadPhase = time.Duration(s.ReadPhaseSecs) * time.Second
	}
	return timings
}

type Config struct {
	Kiosk  KioskConfig  `json:"kiosk"`
	Bridge BridgeConfig `json:"bridge"`
	Mqtt   MqttConfig   `json:"mqtt"`
	Odoo   OdooConfig   `json:"odoo"`
	Fleet  FleetConfig  `json:"fleet"`
	Tariff Tariff       `json:"tariff"`
	Scan   ScanConfig   `json:"scan"`
}

func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	err = json.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return config, nil
}
