package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/riftmq/riftmq/broker"
)

// settings is the fully merged configuration (config file < environment <
// flags, section 4.12) before it is translated into a broker.Config. The
// validator tags are what `validateSettings` checks before the listener
// starts (section 6/7: a bad bind address or non-positive timeout exits 1
// rather than surfacing as a runtime failure).
type settings struct {
	ServerAddress string `mapstructure:"server.address" yaml:"server.address" validate:"required"`
	ServerPort    int    `mapstructure:"server.port" yaml:"server.port" validate:"min=1,max=65535"`

	ConnTimeoutMs   int `mapstructure:"conn.timeout-ms" yaml:"conn.timeout-ms" validate:"min=1"`
	PubAckTimeoutMs int `mapstructure:"pub.ack-timeout-ms" yaml:"pub.ack-timeout-ms" validate:"min=1"`
	PubMaxRetries   int `mapstructure:"pub.max-retries" yaml:"pub.max-retries" validate:"min=0"`

	ReadBuf  int `mapstructure:"read-buf" yaml:"read-buf" validate:"min=1"`
	WriteBuf int `mapstructure:"write-buf" yaml:"write-buf" validate:"min=1"`

	AuthService string `mapstructure:"auth.service" yaml:"auth.service" validate:"required"`

	LogFile  string `mapstructure:"log.file" yaml:"log.file"`
	LogLevel string `mapstructure:"log.level" yaml:"log.level" validate:"oneof=debug info warn error"`

	ReactorPoolSize int `mapstructure:"reactor.pool-size" yaml:"reactor.pool-size" validate:"min=0"`

	MetricsAddress string `mapstructure:"metrics.address" yaml:"metrics.address"`
	SentryDSN      string `mapstructure:"sentry.dsn" yaml:"sentry.dsn"`

	TLSCertFile string `mapstructure:"tls.cert-file" yaml:"tls.cert-file"`
	TLSKeyFile  string `mapstructure:"tls.key-file" yaml:"tls.key-file"`
	TLSCAFile   string `mapstructure:"tls.ca-file" yaml:"tls.ca-file"`
}

func defaultSettings() *settings {
	return &settings{
		ServerAddress:   broker.DefaultServerAddress,
		ServerPort:      broker.DefaultServerPort,
		ConnTimeoutMs:   int(broker.DefaultConnectTimeout / time.Millisecond),
		PubAckTimeoutMs: int(broker.DefaultPubAckTimeout / time.Millisecond),
		PubMaxRetries:   broker.DefaultPubMaxRetries,
		ReadBuf:         broker.DefaultBufSize,
		WriteBuf:        broker.DefaultBufSize,
		AuthService:     broker.DefaultAuthService,
		LogFile:         broker.DefaultLogFile,
		LogLevel:        broker.DefaultLogLevel,
		ReactorPoolSize: broker.DefaultReactorPoolSize,
	}
}

// validateSettings runs the struct-tag validation declared on settings; it
// performs no checks beyond those tags.
func validateSettings(s *settings) error {
	v := validator.New()
	if err := v.Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// toBrokerConfig resolves "0 = GOMAXPROCS" and assembles a broker.Config.
func (s *settings) toBrokerConfig() *broker.Config {
	poolSize := s.ReactorPoolSize
	if poolSize <= 0 {
		poolSize = runtime.GOMAXPROCS(0)
	}

	cfg := broker.DefaultConfig()
	cfg.ListenAddress = fmt.Sprintf("%s:%d", s.ServerAddress, s.ServerPort)
	cfg.ConnectTimeout = time.Duration(s.ConnTimeoutMs) * time.Millisecond
	cfg.PubAckTimeout = time.Duration(s.PubAckTimeoutMs) * time.Millisecond
	cfg.PubMaxRetries = s.PubMaxRetries
	cfg.ReadBufSize = s.ReadBuf
	cfg.WriteBufSize = s.WriteBuf
	cfg.AuthService = s.AuthService
	cfg.ReactorPoolSize = poolSize
	cfg.MetricsAddress = s.MetricsAddress
	cfg.EnableMetrics = s.MetricsAddress != ""
	cfg.SentryDSN = s.SentryDSN
	cfg.TLSCertFile = s.TLSCertFile
	cfg.TLSKeyFile = s.TLSKeyFile
	cfg.TLSCAFile = s.TLSCAFile
	return cfg
}
