package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerIP   = "0.0.0.0"
	DefaultServerPort = 7080
	MaxDatagramSize   = 65507 // largest UDP payload over IPv4
	KeepAliveMessage  = "udpKeepAlive"
)

// Config is the root configuration of a node. Every field has a default, so a
// yaml file only needs to list what it overrides.
type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	Connection ConnectionConfig `yaml:"connection"`
	Congestion CongestionConfig `yaml:"congestion"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Log        LogConfig        `yaml:"log"`
}

type TransportConfig struct {
	ListenAddress        string  `yaml:"listenAddress"`        // local address to bind, empty for all interfaces
	ListenPort           int     `yaml:"listenPort"`           // 0 picks a random port
	MaxDatagramSize      int     `yaml:"maxDatagramSize"`      // receive buffer size per datagram
	PayloadPoolSize      int     `yaml:"payloadPoolSize"`      // how many receive buffers in the ring pool
	PoolDebug            bool    `yaml:"poolDebug"`            // ring pool debug setting
	ProcessTimeThreshold int     `yaml:"processTimeThreshold"` // buffer processing time threshold in ms
	PacketLossSimulation bool    `yaml:"packetLossSimulation"` // randomly drop datagrams in both directions
	PacketLossRate       float64 `yaml:"packetLossRate"`       // 0.0-1.0, used when PacketLossSimulation is set
	TraceFile            string  `yaml:"traceFile"`            // pcap file recording every datagram, empty disables
}

type ConnectionConfig struct {
	KeepAliveAfter          time.Duration `yaml:"keepAliveAfter"`          // send a keepalive after this long without outgoing traffic
	IdleTimeout             time.Duration `yaml:"idleTimeout"`             // close after this long without incoming traffic
	IdleCheckInterval       time.Duration `yaml:"idleCheckInterval"`       // period of the keepalive/idle loop
	CleanupInterval         time.Duration `yaml:"cleanupInterval"`         // period of the seen-id sweep
	SeenMessageRetention    time.Duration `yaml:"seenMessageRetention"`    // how long a handled message id suppresses duplicates
	MaxTries                int           `yaml:"maxTries"`                // transmissions before the connection is given up
	RetransmitRttMultiplier float64       `yaml:"retransmitRttMultiplier"` // retransmission timeout in units of estimated rtt
	DrainSlack              time.Duration `yaml:"drainSlack"`              // added to the admission delay when rescheduling the queue drain
}

type CongestionConfig struct {
	InitialMaxBytesPerSecond float64       `yaml:"initialMaxBytesPerSecond"`
	InitialRttMsec           float64       `yaml:"initialRttMsec"`
	MinRttMsec               float64       `yaml:"minRttMsec"`
	MaxRttMsec               float64       `yaml:"maxRttMsec"`
	TrialDuration            time.Duration `yaml:"trialDuration"`
	MinRttSamples            int           `yaml:"minRttSamples"`     // samples needed before the rtt estimate moves
	PressureThreshold        float64       `yaml:"pressureThreshold"` // fraction of the window that counts as rate limited
	RampUpFactor             float64       `yaml:"rampUpFactor"`
	SingleLossFactor         float64       `yaml:"singleLossFactor"`
	MultiLossFactor          float64       `yaml:"multiLossFactor"`
}

type ReconnectConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxRetries        int           `yaml:"maxRetries"` // -1 for infinite
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	OpenTimeout       time.Duration `yaml:"openTimeout"` // how long one attempt may wait for acceptConnection
}

type LogConfig struct {
	Level       string         `yaml:"level"`   // debug, info, warn, error
	Format      string         `yaml:"format"`  // console or json
	Outputs     []string       `yaml:"outputs"` // stdout, stderr or file paths
	Development bool           `yaml:"development"`
	Rotation    RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	Enable     bool   `yaml:"enable"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

func Default() *Config {
	return &Config{
		Transport:  DefaultTransportConfig(),
		Connection: DefaultConnectionConfig(),
		Congestion: DefaultCongestionConfig(),
		Reconnect:  DefaultReconnectConfig(),
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ListenAddress:        "",
		ListenPort:           0,
		MaxDatagramSize:      MaxDatagramSize,
		PayloadPoolSize:      8,
		ProcessTimeThreshold: 10,
	}
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		KeepAliveAfter:          5 * time.Second,
		IdleTimeout:             15 * time.Second,
		IdleCheckInterval:       time.Second,
		CleanupInterval:         3 * time.Second,
		SeenMessageRetention:    60 * time.Second,
		MaxTries:                6,
		RetransmitRttMultiplier: 4,
		DrainSlack:              10 * time.Millisecond,
	}
}

func DefaultCongestionConfig() CongestionConfig {
	return CongestionConfig{
		InitialMaxBytesPerSecond: 1000000,
		InitialRttMsec:           500,
		MinRttMsec:               100,
		MaxRttMsec:               1000,
		TrialDuration:            5 * time.Second,
		MinRttSamples:            3,
		PressureThreshold:        0.8,
		RampUpFactor:             1.2,
		SingleLossFactor:         1.1,
		MultiLossFactor:          1.2,
	}
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:           true,
		MaxRetries:        10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		OpenTimeout:       5 * time.Second,
	}
}

// LoadConfig reads a yaml file on top of Default() and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	t := c.Transport
	if t.ListenPort < 0 || t.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("transport.listenPort %d out of range", t.ListenPort))
	}
	if t.MaxDatagramSize <= 0 || t.MaxDatagramSize > 65535 {
		errs = append(errs, fmt.Errorf("transport.maxDatagramSize %d out of range", t.MaxDatagramSize))
	}
	if t.PayloadPoolSize < 1 {
		errs = append(errs, errors.New("transport.payloadPoolSize must be at least 1"))
	}
	if t.PacketLossRate < 0 || t.PacketLossRate > 1 {
		errs = append(errs, fmt.Errorf("transport.packetLossRate %v not in [0,1]", t.PacketLossRate))
	}

	cc := c.Connection
	for name, d := range map[string]time.Duration{
		"connection.keepAliveAfter":       cc.KeepAliveAfter,
		"connection.idleTimeout":          cc.IdleTimeout,
		"connection.idleCheckInterval":    cc.IdleCheckInterval,
		"connection.cleanupInterval":      cc.CleanupInterval,
		"connection.seenMessageRetention": cc.SeenMessageRetention,
		"congestion.trialDuration":        c.Congestion.TrialDuration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if cc.DrainSlack < 0 {
		errs = append(errs, errors.New("connection.drainSlack must not be negative"))
	}
	if cc.MaxTries < 1 {
		errs = append(errs, errors.New("connection.maxTries must be at least 1"))
	}
	if cc.RetransmitRttMultiplier <= 0 {
		errs = append(errs, errors.New("connection.retransmitRttMultiplier must be positive"))
	}

	g := c.Congestion
	if g.InitialMaxBytesPerSecond <= 0 {
		errs = append(errs, errors.New("congestion.initialMaxBytesPerSecond must be positive"))
	}
	if g.MinRttMsec <= 0 || g.MinRttMsec > g.MaxRttMsec {
		errs = append(errs, fmt.Errorf("congestion rtt bounds [%v,%v] are invalid", g.MinRttMsec, g.MaxRttMsec))
	}
	if g.InitialRttMsec < g.MinRttMsec || g.InitialRttMsec > g.MaxRttMsec {
		errs = append(errs, fmt.Errorf("congestion.initialRttMsec %v outside [%v,%v]", g.InitialRttMsec, g.MinRttMsec, g.MaxRttMsec))
	}
	if g.MinRttSamples < 1 {
		errs = append(errs, errors.New("congestion.minRttSamples must be at least 1"))
	}
	if g.PressureThreshold <= 0 || g.PressureThreshold > 1 {
		errs = append(errs, errors.New("congestion.pressureThreshold must be in (0,1]"))
	}
	if g.RampUpFactor <= 1 || g.SingleLossFactor <= 1 || g.MultiLossFactor <= 1 {
		errs = append(errs, errors.New("congestion rate factors must be greater than 1"))
	}

	r := c.Reconnect
	if r.Enabled {
		if r.MaxRetries < -1 {
			errs = append(errs, errors.New("reconnect.maxRetries must be -1 or greater"))
		}
		if r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
			errs = append(errs, errors.New("reconnect backoff bounds are invalid"))
		}
		if r.BackoffMultiplier < 1 {
			errs = append(errs, errors.New("reconnect.backoffMultiplier must be at least 1"))
		}
		if r.OpenTimeout <= 0 {
			errs = append(errs, errors.New("reconnect.openTimeout must be positive"))
		}
	}

	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
