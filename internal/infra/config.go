package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации оркестратора.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Deploy     DeployConfig     `mapstructure:"deploy"`
	Priority   PriorityConfig   `mapstructure:"priority"`
	SSH        SSHConfig        `mapstructure:"ssh"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Provision  ProvisionConfig  `mapstructure:"provision"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig — куда сохраняется снапшот состояния: file | redis | postgres.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и снапшот).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"` // store.driver=redis включает Redis неявно
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig: если ключ не задан, API работает без токенов.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

type MonitoringConfig struct {
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval"`
	InitialDelay           time.Duration `mapstructure:"initial_delay"`
	HealthTimeout          time.Duration `mapstructure:"health_timeout"`
	MeshTimeout            time.Duration `mapstructure:"mesh_timeout"`
	SlowResponse           time.Duration `mapstructure:"slow_response"`
	VerySlowResponse       time.Duration `mapstructure:"very_slow_response"`
	AlertBelow             int           `mapstructure:"alert_below"`
	RecoverAtOrBelow       int           `mapstructure:"recover_at_or_below"`
	MinConsecutiveFailures int           `mapstructure:"min_consecutive_failures"`
	HistoryRetention       time.Duration `mapstructure:"history_retention"`
	Concurrency            int           `mapstructure:"concurrency"`
}

type RecoveryConfig struct {
	RestartPause   time.Duration `mapstructure:"restart_pause"`
	RestartSettle  time.Duration `mapstructure:"restart_settle"`
	RebootSettle   time.Duration `mapstructure:"reboot_settle"`
	RedeploySettle time.Duration `mapstructure:"redeploy_settle"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type DeployConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	VerifyAttempts uint          `mapstructure:"verify_attempts"`
	VerifyDelay    time.Duration `mapstructure:"verify_delay"`
}

type PriorityConfig struct {
	NormalHeartbeat   time.Duration `mapstructure:"normal_heartbeat"`
	PriorityHeartbeat time.Duration `mapstructure:"priority_heartbeat"`
	MaxDuration       time.Duration `mapstructure:"max_duration"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
}

type SSHConfig struct {
	User           string        `mapstructure:"user"`
	KeyPath        string        `mapstructure:"key_path"`
	Port           int           `mapstructure:"port"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"` // пусто — без проверки ключа хоста
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ExecutorConfig — Circuit Breaker и ретраи вокруг удалённого исполнения.
type ExecutorConfig struct {
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type ProvisionConfig struct {
	Backend       string   `mapstructure:"backend"` // static | docker
	Hosts         []string `mapstructure:"hosts"`
	DockerImage   string   `mapstructure:"docker_image"`
	DockerNetwork string   `mapstructure:"docker_network"`
}

type ProbeConfig struct {
	HealthPort    int    `mapstructure:"health_port"`
	MeshPort      int    `mapstructure:"mesh_port"`
	MeshTransport string `mapstructure:"mesh_transport"` // http | grpc
	GRPCService   string `mapstructure:"grpc_service"`   // пусто — здоровье сервера целиком
}

type AlertsConfig struct {
	TelegramToken  string        `mapstructure:"telegram_token"`
	TelegramChatID string        `mapstructure:"telegram_chat_id"`
	DiscordToken   string        `mapstructure:"discord_token"`
	DiscordChannel string        `mapstructure:"discord_channel"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	QueueSize      int           `mapstructure:"queue_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// JournalConfig — журнал операций: в Postgres при заданном database.url, иначе в лог.
type JournalConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, console
	File       string `mapstructure:"file"`   // пусто — только stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path может быть пустым — тогда ищем config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// BOTFLEET_SERVER_PORT=9000 перекроет server.port
	v.SetEnvPrefix("BOTFLEET")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "BOTFLEET_AUTH_PUBLIC_KEY_DATA")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "file", "redis", "postgres":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Database.URL == "" {
		return errors.New("config: database.url is required for postgres store")
	}
	switch c.Probe.MeshTransport {
	case "http", "grpc":
	default:
		return fmt.Errorf("config: unknown probe.mesh_transport %q", c.Probe.MeshTransport)
	}
	switch c.Provision.Backend {
	case "static", "docker":
	default:
		return fmt.Errorf("config: unknown provision.backend %q", c.Provision.Backend)
	}
	if c.Monitoring.RecoverAtOrBelow >= c.Monitoring.AlertBelow {
		return errors.New("config: monitoring.recover_at_or_below must be stricter than alert_below")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 19000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute) // recover ждёт окончания восстановления

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "/tmp/orchestrator-state.json")
	v.SetDefault("store.persist_interval", 30*time.Second)

	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("monitoring.health_check_interval", time.Minute)
	v.SetDefault("monitoring.initial_delay", 10*time.Second)
	v.SetDefault("monitoring.health_timeout", 5*time.Second)
	v.SetDefault("monitoring.mesh_timeout", 3*time.Second)
	v.SetDefault("monitoring.slow_response", 5*time.Second)
	v.SetDefault("monitoring.very_slow_response", 10*time.Second)
	v.SetDefault("monitoring.alert_below", 50)
	v.SetDefault("monitoring.recover_at_or_below", 30)
	v.SetDefault("monitoring.min_consecutive_failures", 3)
	v.SetDefault("monitoring.history_retention", 24*time.Hour)
	v.SetDefault("monitoring.concurrency", 8)

	v.SetDefault("recovery.restart_pause", 2*time.Second)
	v.SetDefault("recovery.restart_settle", 3*time.Second)
	v.SetDefault("recovery.reboot_settle", 5*time.Second)
	v.SetDefault("recovery.redeploy_settle", 8*time.Second)
	v.SetDefault("recovery.command_timeout", 30*time.Second)
	v.SetDefault("recovery.timeout", 5*time.Minute)

	v.SetDefault("deploy.timeout", 15*time.Minute)
	v.SetDefault("deploy.ready_timeout", 5*time.Minute)
	v.SetDefault("deploy.command_timeout", 2*time.Minute)
	v.SetDefault("deploy.verify_attempts", 5)
	v.SetDefault("deploy.verify_delay", 5*time.Second)

	v.SetDefault("priority.normal_heartbeat", 30*time.Minute)
	v.SetDefault("priority.priority_heartbeat", time.Minute)
	v.SetDefault("priority.max_duration", 4*time.Hour)
	v.SetDefault("priority.retry_interval", 30*time.Second)
	v.SetDefault("priority.command_timeout", 30*time.Second)

	v.SetDefault("ssh.user", "ubuntu")
	v.SetDefault("ssh.key_path", "~/.ssh/bot-factory.pem")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", 10*time.Second)

	v.SetDefault("executor.cb_max_requests", 1)
	v.SetDefault("executor.cb_interval", time.Minute)
	v.SetDefault("executor.cb_timeout", 30*time.Second)
	v.SetDefault("executor.cb_failures", 5)
	v.SetDefault("executor.retry_attempts", 3)
	v.SetDefault("executor.retry_delay", 500*time.Millisecond)

	v.SetDefault("provision.backend", "static")
	v.SetDefault("provision.docker_image", "clawdbot/gateway:latest")

	v.SetDefault("probe.health_port", 18790)
	v.SetDefault("probe.mesh_port", 8080)
	v.SetDefault("probe.mesh_transport", "http")

	v.SetDefault("alerts.rate_per_second", 1.0)
	v.SetDefault("alerts.burst", 5)
	v.SetDefault("alerts.queue_size", 256)
	v.SetDefault("alerts.timeout", 10*time.Second)

	v.SetDefault("journal.buffer_size", 1024)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 14)
}

// loadKeyResource: PEM из ENV имеет приоритет над файлом
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
