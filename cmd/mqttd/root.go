package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/riftmq/riftmq/pkg/logger"
)

var (
	cfgFile string
	cfg     = defaultSettings()
)

// rootCmd follows the package-level-flag-var-plus-init pattern the example
// pack's only cobra user (a CLI MQTT client) uses, extended with a viper
// merge so a YAML file and MQTTD_* environment variables both feed the same
// settings struct ahead of the flags (section 4.12's file < env < flag
// precedence).
var rootCmd = &cobra.Command{
	Use:   "mqttd",
	Short: "mqttd is a standalone MQTT 3.1.1 broker",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker, accepting connections until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := mergeConfig(cmd); err != nil {
			return err
		}
		if err := validateSettings(cfg); err != nil {
			return err
		}
		return runServe(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the broker version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML configuration file")

	flags := serveCmd.Flags()
	flags.String("server.address", cfg.ServerAddress, "bind address")
	flags.Int("server.port", cfg.ServerPort, "listen port")
	flags.Int("conn.timeout-ms", cfg.ConnTimeoutMs, "CONNECT handshake timeout in milliseconds")
	flags.Int("pub.ack-timeout-ms", cfg.PubAckTimeoutMs, "QoS1/2 acknowledgement timeout in milliseconds")
	flags.Int("pub.max-retries", cfg.PubMaxRetries, "maximum redelivery attempts before an in-flight publish is dropped")
	flags.Int("read-buf", cfg.ReadBuf, "per-connection read buffer initial size")
	flags.Int("write-buf", cfg.WriteBuf, "per-connection write buffer initial size")
	flags.String("auth.service", cfg.AuthService, "registered authenticator name (accept_all, basic, ...)")
	flags.String("log.file", cfg.LogFile, "log file path; empty logs to stderr")
	flags.String("log.level", cfg.LogLevel, "minimum log level (debug, info, warn, error)")
	flags.Int("reactor.pool-size", cfg.ReactorPoolSize, "fixed reactor pool size; 0 means GOMAXPROCS")
	flags.String("metrics.address", cfg.MetricsAddress, "bind address for the /metrics endpoint; empty disables it")
	flags.String("sentry.dsn", cfg.SentryDSN, "Sentry DSN for error reporting; empty disables it")
	flags.String("tls.cert-file", cfg.TLSCertFile, "TLS certificate file; empty disables TLS")
	flags.String("tls.key-file", cfg.TLSKeyFile, "TLS key file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// mergeConfig implements section 4.12/6's precedence: config file, then
// MQTTD_* environment variables, then explicit flags, each layered over the
// struct's own defaults via viper's standard resolution order.
func mergeConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("MQTTD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(envReplacer)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %q: %w", cfgFile, err)
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	return v.Unmarshal(cfg)
}

func levelFromString(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(s *settings) logger.Logger {
	writer := logWriter(s.LogFile)
	return logger.NewSlogLogger(levelFromString(s.LogLevel), writer)
}

func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if ee, ok := err.(*exitError); ok {
			return ee.code
		}
		return 1
	}
	return 0
}

// exitError lets runServe distinguish a runtime failure (exit 2) from a bad
// command line (exit 1, cobra's own default for a RunE error).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
