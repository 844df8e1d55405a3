// Package config loads packetkit settings from TOML files and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/packetkit/dispatch"
	"github.com/vinayprograms/packetkit/errors"
	"github.com/vinayprograms/packetkit/receiver"
	"github.com/vinayprograms/packetkit/rpc"
	"github.com/vinayprograms/packetkit/stream"
)

// RPC modes
const (
	ModeWebSocket = "websocket"
	ModeNATS      = "nats"
)

// Dedup backends
const (
	DedupMemory = "memory"
	DedupNATS   = "nats"
)

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full packetkit configuration.
type Config struct {
	Dispatch  DispatchSection  `toml:"dispatch"`
	Stream    StreamSection    `toml:"stream"`
	RPC       RPCSection       `toml:"rpc"`
	Receiver  ReceiverSection  `toml:"receiver"`
	Logging   LoggingSection   `toml:"logging"`
	Telemetry TelemetrySection `toml:"telemetry"`
}

// DispatchSection configures transport selection and fragmentation.
type DispatchSection struct {
	SizeThreshold     int `toml:"size_threshold"`
	MaxFragmentSize   int `toml:"max_fragment_size"`
	RPCMaxMessageSize int `toml:"rpc_max_message_size"`
}

// StreamSection configures the JetStream transport.
type StreamSection struct {
	URL            string   `toml:"url"`
	Name           string   `toml:"name"`
	Token          string   `toml:"token"`
	Stream         string   `toml:"stream"`
	Subject        string   `toml:"subject"`
	PublishTimeout Duration `toml:"publish_timeout"`
	MaxAge         Duration `toml:"max_age"`
	MaxMsgSize     int32    `toml:"max_msg_size"`
	Consumer       string   `toml:"consumer"`
}

// RPCSection configures the RPC transport.
type RPCSection struct {
	Mode        string   `toml:"mode"`     // websocket or nats
	Endpoint    string   `toml:"endpoint"` // ws:// URL in websocket mode
	Subject     string   `toml:"subject"`  // request subject in nats mode
	Queue       string   `toml:"queue"`
	CallTimeout Duration `toml:"call_timeout"`
	Listen      string   `toml:"listen"` // receiver listen address in websocket mode
	Path        string   `toml:"path"`
}

// ReceiverSection configures tool-side intake.
type ReceiverSection struct {
	FragmentTTL Duration `toml:"fragment_ttl"`
	MaxPending  int      `toml:"max_pending"`
	Dedup       string   `toml:"dedup"` // memory or nats
	DedupTTL    Duration `toml:"dedup_ttl"`
	DedupBucket string   `toml:"dedup_bucket"`
}

// LoggingSection configures console logging.
type LoggingSection struct {
	Level string `toml:"level"`
}

// TelemetrySection configures OTLP trace export.
type TelemetrySection struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Default returns a configuration filled with package defaults.
func Default() *Config {
	dc := dispatch.DefaultConfig()
	sc := stream.DefaultJetStreamConfig()
	wc := rpc.DefaultWebSocketConfig()
	nc := rpc.DefaultNATSConfig()
	rc := receiver.DefaultConfig()
	kc := receiver.DefaultNATSDedupConfig()

	return &Config{
		Dispatch: DispatchSection{
			SizeThreshold:     dc.SizeThreshold,
			MaxFragmentSize:   dc.MaxFragmentSize,
			RPCMaxMessageSize: dc.RPCMaxMessageSize,
		},
		Stream: StreamSection{
			URL:            sc.URL,
			Stream:         sc.Stream,
			Subject:        sc.Subject,
			PublishTimeout: Duration{sc.PublishTimeout},
			Consumer:       "tools",
		},
		RPC: RPCSection{
			Mode:        ModeWebSocket,
			Endpoint:    "ws://localhost:8095/rpc",
			Subject:     nc.Subject,
			Queue:       "tools",
			CallTimeout: Duration{wc.CallTimeout},
			Listen:      ":8095",
			Path:        "/rpc",
		},
		Receiver: ReceiverSection{
			FragmentTTL: Duration{rc.FragmentTTL},
			MaxPending:  rc.MaxPending,
			Dedup:       DedupMemory,
			DedupTTL:    Duration{rc.DedupTTL},
			DedupBucket: kc.Bucket,
		},
		Logging: LoggingSection{
			Level: "info",
		},
		Telemetry: TelemetrySection{
			Protocol:    "grpc",
			ServiceName: "packetkit",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"packetkit.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "packetkit", "packetkit.toml"))
	}
	return paths
}

// Load decodes path over the defaults. An empty path searches
// StandardPaths and falls back to defaults when none exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
		if path == "" {
			return cfg, nil
		}
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidConfig, "load "+path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.InvalidConfiguration(fmt.Sprintf("%s: unknown keys: %s", path, strings.Join(keys, ", ")))
	}
	return cfg, nil
}

// LoadFromEnv applies PACKETKIT_* environment overrides to cfg.
func LoadFromEnv(cfg *Config) error {
	for _, o := range envOverrides(cfg) {
		v, ok := os.LookupEnv(o.name)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return errors.InvalidConfiguration(fmt.Sprintf("%s: %v", o.name, err))
		}
	}
	return nil
}

type envOverride struct {
	name string
	set  func(string) error
}

func envOverrides(cfg *Config) []envOverride {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	dur := func(dst *Duration) func(string) error {
		return func(v string) error { return dst.UnmarshalText([]byte(v)) }
	}

	return []envOverride{
		{"PACKETKIT_SIZE_THRESHOLD", num(&cfg.Dispatch.SizeThreshold)},
		{"PACKETKIT_MAX_FRAGMENT_SIZE", num(&cfg.Dispatch.MaxFragmentSize)},
		{"PACKETKIT_RPC_MAX_MESSAGE_SIZE", num(&cfg.Dispatch.RPCMaxMessageSize)},
		{"PACKETKIT_NATS_URL", str(&cfg.Stream.URL)},
		{"PACKETKIT_NATS_TOKEN", str(&cfg.Stream.Token)},
		{"PACKETKIT_STREAM", str(&cfg.Stream.Stream)},
		{"PACKETKIT_STREAM_SUBJECT", str(&cfg.Stream.Subject)},
		{"PACKETKIT_PUBLISH_TIMEOUT", dur(&cfg.Stream.PublishTimeout)},
		{"PACKETKIT_RPC_MODE", str(&cfg.RPC.Mode)},
		{"PACKETKIT_RPC_ENDPOINT", str(&cfg.RPC.Endpoint)},
		{"PACKETKIT_RPC_SUBJECT", str(&cfg.RPC.Subject)},
		{"PACKETKIT_RPC_CALL_TIMEOUT", dur(&cfg.RPC.CallTimeout)},
		{"PACKETKIT_RPC_LISTEN", str(&cfg.RPC.Listen)},
		{"PACKETKIT_DEDUP", str(&cfg.Receiver.Dedup)},
		{"PACKETKIT_LOG_LEVEL", str(&cfg.Logging.Level)},
		{"PACKETKIT_OTEL_ENDPOINT", str(&cfg.Telemetry.Endpoint)},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.DispatchConfig().Validate(); err != nil {
		return err
	}
	if c.Stream.URL == "" {
		return errors.InvalidConfiguration("stream.url is required")
	}
	if c.Stream.Subject == "" {
		return errors.InvalidConfiguration("stream.subject is required")
	}

	switch c.RPC.Mode {
	case ModeWebSocket:
		if c.RPC.Endpoint == "" {
			return errors.InvalidConfiguration("rpc.endpoint is required in websocket mode")
		}
	case ModeNATS:
		if c.RPC.Subject == "" {
			return errors.InvalidConfiguration("rpc.subject is required in nats mode")
		}
	default:
		return errors.InvalidConfiguration(fmt.Sprintf("rpc.mode must be %q or %q, got %q", ModeWebSocket, ModeNATS, c.RPC.Mode))
	}
	if c.RPC.CallTimeout.Duration <= 0 {
		return errors.InvalidConfiguration("rpc.call_timeout must be positive")
	}

	switch c.Receiver.Dedup {
	case DedupMemory, DedupNATS:
	default:
		return errors.InvalidConfiguration(fmt.Sprintf("receiver.dedup must be %q or %q, got %q", DedupMemory, DedupNATS, c.Receiver.Dedup))
	}

	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return errors.InvalidConfiguration(fmt.Sprintf("telemetry.sample_ratio must be in [0,1], got %v", r))
	}
	return nil
}

// DispatchConfig converts the [dispatch] section.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		SizeThreshold:     c.Dispatch.SizeThreshold,
		MaxFragmentSize:   c.Dispatch.MaxFragmentSize,
		RPCMaxMessageSize: c.Dispatch.RPCMaxMessageSize,
	}
}

// JetStreamConfig converts the [stream] section.
func (c *Config) JetStreamConfig() stream.JetStreamConfig {
	sc := stream.DefaultJetStreamConfig()
	sc.URL = c.Stream.URL
	sc.Name = c.Stream.Name
	sc.Token = c.Stream.Token
	sc.Stream = c.Stream.Stream
	sc.Subject = c.Stream.Subject
	sc.PublishTimeout = c.Stream.PublishTimeout.Duration
	sc.MaxAge = c.Stream.MaxAge.Duration
	sc.MaxMsgSize = c.Stream.MaxMsgSize
	return sc
}

// WebSocketConfig converts the [rpc] section for websocket mode.
func (c *Config) WebSocketConfig() rpc.WebSocketConfig {
	wc := rpc.DefaultWebSocketConfig()
	wc.CallTimeout = c.RPC.CallTimeout.Duration
	if max := int64(c.Dispatch.RPCMaxMessageSize); max > 0 && wc.MaxMessageSize < 2*max {
		// Room for the JSON-RPC envelope and string escaping.
		wc.MaxMessageSize = 2 * max
	}
	return wc
}

// NATSConfig converts the [rpc] section for nats mode.
func (c *Config) NATSConfig() rpc.NATSConfig {
	return rpc.NATSConfig{
		Subject: c.RPC.Subject,
		Timeout: c.RPC.CallTimeout.Duration,
	}
}

// ReceiverConfig converts the [receiver] section.
func (c *Config) ReceiverConfig() receiver.Config {
	return receiver.Config{
		FragmentTTL: c.Receiver.FragmentTTL.Duration,
		MaxPending:  c.Receiver.MaxPending,
		DedupTTL:    c.Receiver.DedupTTL.Duration,
	}
}
