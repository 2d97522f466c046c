package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Device           string              `yaml:"device"`
	LogLevel         string              `yaml:"log_level"`
	PlaybackLocation string              `yaml:"playback_location"`
	OutputDir        string              `yaml:"output_dir"`
	Serial           Serial              `yaml:"serial"`
	TCP              TCP                 `yaml:"tcp"`
	Playback         Playback            `yaml:"playback"`
	Link             Link                `yaml:"link"`
	StreamOutputs    []OutputDestination `yaml:"stream_outputs"`
	HTTPServer       struct {
		Port int `yaml:"port"`
	} `yaml:"http_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Token        string `yaml:"token"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
}

type Serial struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type TCP struct {
	Address          string        `yaml:"address"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

type Playback struct {
	ReadSize  int           `yaml:"read_size"`
	ReadDelay time.Duration `yaml:"read_delay"`
}

// Link holds the decoder tunables.
type Link struct {
	Lookahead        int           `yaml:"lookahead"`
	EchoCap          int           `yaml:"echo_cap"`
	MaxPollPayload   int           `yaml:"max_poll_payload"`
	DefaultFilename  string        `yaml:"default_filename"`
	RetransmitBudget int           `yaml:"retransmit_budget"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BatchDelay       time.Duration `yaml:"batch_delay"`
	ScanInterval     time.Duration `yaml:"scan_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	IdleFlush        time.Duration `yaml:"idle_flush"`
	AutoRetransmit   bool          `yaml:"auto_retransmit"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func Default() Config {
	c := Config{
		Device:    "serial",
		LogLevel:  "info",
		OutputDir: "images",
		Serial: Serial{
			Port:     "/dev/ttyUSB0",
			BaudRate: 115200,
		},
		TCP: TCP{
			ReconnectBackoff: time.Second,
			ReconnectMax:     30 * time.Second,
		},
		Playback: Playback{
			ReadSize:  256,
			ReadDelay: 10 * time.Millisecond,
		},
		Link: Link{
			Lookahead:        1024,
			EchoCap:          256,
			MaxPollPayload:   1016,
			DefaultFilename:  "image.jpg",
			RetransmitBudget: 60,
			MaxAttempts:      3,
			BatchDelay:       2 * time.Second,
			ScanInterval:     10 * time.Second,
			StaleAfter:       30 * time.Second,
			IdleFlush:        2 * time.Second,
			AutoRetransmit:   true,
		},
	}
	c.HTTPServer.Port = 8080
	return c
}

// Load reads a YAML file over the defaults; keys absent from the file keep
// their default value.
func Load(path string) (Config, error) {
	c := Default()
	contents, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return c, fmt.Errorf("error unmarshaling yaml file: %w", err)
	}
	if c.PlaybackLocation != "" {
		c.Device = "file"
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.Device {
	case "serial":
		if c.Serial.Port == "" {
			return fmt.Errorf("serial device requires serial.port")
		}
	case "tcp":
		if c.TCP.Address == "" {
			return fmt.Errorf("tcp device requires tcp.address")
		}
	case "file":
		if c.PlaybackLocation == "" {
			return fmt.Errorf("file device requires playback_location")
		}
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}
	if c.Link.RetransmitBudget <= 0 || c.Link.Lookahead <= 0 {
		return fmt.Errorf("link lookahead and retransmit_budget must be positive")
	}
	return nil
}
