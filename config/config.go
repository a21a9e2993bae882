package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Log         Log         `mapstructure:"log"`
	Server      Server      `mapstructure:"server"`
	Auth        Auth        `mapstructure:"auth"`
	Heartbeat   Heartbeat   `mapstructure:"heartbeat"`
	Session     Session     `mapstructure:"session"`
	Broadcaster Broadcaster `mapstructure:"broadcaster"`
	Batch       Batch       `mapstructure:"batch"`
	RateLimit   RateLimit   `mapstructure:"rate_limit"`
	Replay      Replay      `mapstructure:"replay"`
	Redaction   Redaction   `mapstructure:"redaction"`
	AMQP        AMQP        `mapstructure:"amqp"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Auth struct {
	Secret           string        `mapstructure:"secret"`
	RevocationWindow time.Duration `mapstructure:"revocation_window"`
}

type Heartbeat struct {
	// Period is P; a pong must arrive within 2*P or the session is torn
	// down with heartbeat_timeout.
	Period time.Duration `mapstructure:"period"`
}

type Session struct {
	QueueDepth           int           `mapstructure:"queue_depth"`
	DrainDeadline        time.Duration `mapstructure:"drain_deadline"`
	BackpressureTerminal time.Duration `mapstructure:"backpressure_terminal"`
	ProtocolErrorBudget  int           `mapstructure:"protocol_error_budget"` // malformed frames per minute before 1008
	DroppedNoticeEvery   time.Duration `mapstructure:"dropped_notice_every"`
}

type Broadcaster struct {
	Workers          int           `mapstructure:"workers"`
	StarvationEvery  int           `mapstructure:"starvation_every"`
	LaneDepth        int           `mapstructure:"lane_depth"`
	HistoryCapacity  int           `mapstructure:"history_capacity"`
	CriticalDeadline time.Duration `mapstructure:"critical_deadline"`
	RestartBackoff   time.Duration `mapstructure:"restart_backoff"`
}

type Batch struct {
	Window  time.Duration `mapstructure:"window"`
	MaxSize int           `mapstructure:"max_size"`
}

type RateLimit struct {
	// DefaultPerMinute applies to non-admin identities without a per-type
	// override. Admins are unlimited.
	DefaultPerMinute float64       `mapstructure:"default_per_minute"`
	NoticeWindow     time.Duration `mapstructure:"notice_window"`
}

type Replay struct {
	MaxSpan          time.Duration `mapstructure:"max_span"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	// ArchiveDir enables on-disk retention; replays then reach past the
	// in-memory window. Empty disables the archive.
	ArchiveDir string `mapstructure:"archive_dir"`
}

type Redaction struct {
	// RulesFile points at the watched redaction-rule document. Empty
	// disables redaction entirely (all identities see full payloads).
	RulesFile string `mapstructure:"rules_file"`
}

type AMQP struct {
	// URL empty disables the broker ingest bridge; in-process producers
	// keep working either way.
	URL           string `mapstructure:"url"`
	Exchange      string `mapstructure:"exchange"`
	AuditExchange string `mapstructure:"audit_exchange"`
	QueuePrefix   string `mapstructure:"queue_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("server.addr", ":8090")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.revocation_window", 24*time.Hour)

	v.SetDefault("heartbeat.period", 30*time.Second)

	v.SetDefault("session.queue_depth", 1024)
	v.SetDefault("session.drain_deadline", 5*time.Second)
	v.SetDefault("session.backpressure_terminal", 30*time.Second)
	v.SetDefault("session.protocol_error_budget", 5)
	v.SetDefault("session.dropped_notice_every", 10*time.Second)

	v.SetDefault("broadcaster.workers", max(runtime.NumCPU(), 2))
	v.SetDefault("broadcaster.starvation_every", 64)
	v.SetDefault("broadcaster.lane_depth", 4096)
	v.SetDefault("broadcaster.history_capacity", 10_000)
	v.SetDefault("broadcaster.critical_deadline", 5*time.Second)
	v.SetDefault("broadcaster.restart_backoff", 250*time.Millisecond)

	v.SetDefault("batch.window", 200*time.Millisecond)
	v.SetDefault("batch.max_size", 16)

	v.SetDefault("rate_limit.default_per_minute", 100)
	v.SetDefault("rate_limit.notice_window", 10*time.Second)

	v.SetDefault("replay.max_span", 7*24*time.Hour)
	v.SetDefault("replay.progress_interval", time.Second)
	v.SetDefault("replay.archive_dir", "")

	v.SetDefault("redaction.rules_file", "")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "dns.events")
	v.SetDefault("amqp.audit_exchange", "fabric.audit")
	v.SetDefault("amqp.queue_prefix", "event-fabric")
}

// LoadConfig reads configuration from file (optional), environment
// (FABRIC_ prefix) and flags, in ascending precedence.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
