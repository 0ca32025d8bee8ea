package broker

import "time"

// Defaults mirror the DEFAULT_* values from the external interface design
// (section 6): chosen so `mqttd serve` with no flags at all produces a
// usable broker listening on the standard MQTT port.
const (
	DefaultServerAddress      = "0.0.0.0"
	DefaultServerPort         = 1883
	DefaultConnectTimeout     = 10000 * time.Millisecond
	DefaultPubAckTimeout      = 1000 * time.Millisecond
	DefaultPubMaxRetries      = 5
	DefaultRetrySweepInterval = 250 * time.Millisecond
	DefaultBufSize            = 256
	DefaultReactorPoolSize    = 0 // 0 = GOMAXPROCS, resolved by cmd/mqttd
	DefaultMaxConnections     = 0 // 0 = unbounded
	DefaultAuthService        = "accept_all"
	DefaultLogFile            = "/var/log/mqttd.log"
	DefaultLogLevel           = "info"
)

// Config is the broker's fully resolved runtime configuration: the target of
// cmd/mqttd's flag/env/file merge (section 6), so the broker package itself
// never imports cobra or viper.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	EnableMetrics  bool

	ConnectTimeout     time.Duration
	PubAckTimeout      time.Duration
	PubMaxRetries      int
	RetrySweepInterval time.Duration

	ReactorPoolSize int
	MaxConnections  int
	ReadBufSize     int
	WriteBufSize    int

	AuthService string
	AuthConfig  map[string]string

	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	SentryDSN string
}

// DefaultConfig returns a Config usable as-is for local development.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:      DefaultServerAddress + ":1883",
		MetricsAddress:     "",
		EnableMetrics:      false,
		ConnectTimeout:     DefaultConnectTimeout,
		PubAckTimeout:      DefaultPubAckTimeout,
		PubMaxRetries:      DefaultPubMaxRetries,
		RetrySweepInterval: DefaultRetrySweepInterval,
		ReactorPoolSize:    DefaultReactorPoolSize,
		MaxConnections:     DefaultMaxConnections,
		ReadBufSize:        DefaultBufSize,
		WriteBufSize:       DefaultBufSize,
		AuthService:        DefaultAuthService,
		AuthConfig:         map[string]string{},
	}
}
