package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Security     SecurityConfig     `mapstructure:"security"`
	Features     FeaturesConfig     `mapstructure:"features"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	RoleOrder    RoleOrderConfig    `mapstructure:"role_order"`
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Kerberos     KerberosConfig     `mapstructure:"kerberos"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
	EnableMetrics        bool   `mapstructure:"enable_metrics"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AgentToken     string   `mapstructure:"agent_token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SchedulerConfig tunes the action scheduler.
type SchedulerConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	MaxCommandsPerHost    int           `mapstructure:"max_commands_per_host"`
	DefaultCommandTimeout time.Duration `mapstructure:"default_command_timeout"`
	DispatchConcurrency   int           `mapstructure:"dispatch_concurrency"`
	// ServerHostName is the host name recorded on server-side commands.
	ServerHostName string `mapstructure:"server_host_name"`
}

type RoleOrderConfig struct {
	// Path is optional; the embedded table is used when empty.
	Path     string   `mapstructure:"path"`
	Sections []string `mapstructure:"sections"`
}

type HeartbeatConfig struct {
	LostAfter     time.Duration `mapstructure:"lost_after"`
	CheckSchedule string        `mapstructure:"check_schedule"`
}

type HousekeepingConfig struct {
	TimelineRetention time.Duration `mapstructure:"timeline_retention"`
	Schedule          string        `mapstructure:"schedule"`
}

type KerberosConfig struct {
	DefaultRealm         string        `mapstructure:"default_realm"`
	KeytabDir            string        `mapstructure:"keytab_dir"`
	PrincipalConcurrency int           `mapstructure:"principal_concurrency"`
	KDC                  KDCConfig     `mapstructure:"kdc"`
	ActionTimeout        time.Duration `mapstructure:"action_timeout"`
}

// KDCConfig is the SSH access to the host running kadmin.
type KDCConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	PrivateKey string        `mapstructure:"private_key"`
	KadminPath string        `mapstructure:"kadmin_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("features.request_id_header", "X-Request-ID")
	v.SetDefault("features.enable_metrics", true)

	v.SetDefault("scheduler.tick_interval", time.Second)
	v.SetDefault("scheduler.max_commands_per_host", 4)
	v.SetDefault("scheduler.default_command_timeout", 10*time.Minute)
	v.SetDefault("scheduler.dispatch_concurrency", 8)
	v.SetDefault("scheduler.server_host_name", "clusterd-server")

	v.SetDefault("heartbeat.lost_after", 90*time.Second)
	v.SetDefault("heartbeat.check_schedule", "@every 30s")

	v.SetDefault("housekeeping.timeline_retention", 30*24*time.Hour)
	v.SetDefault("housekeeping.schedule", "@daily")

	v.SetDefault("kerberos.default_realm", "EXAMPLE.COM")
	v.SetDefault("kerberos.principal_concurrency", 4)
	v.SetDefault("kerberos.action_timeout", 10*time.Minute)
	v.SetDefault("kerberos.kdc.port", 22)
	v.SetDefault("kerberos.kdc.kadmin_path", "kadmin")
	v.SetDefault("kerberos.kdc.timeout", 60*time.Second)
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("CLUSTERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Scheduler.MaxCommandsPerHost < 1 {
		return errors.New("config: scheduler.max_commands_per_host must be at least 1")
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("config: scheduler.tick_interval must be positive")
	}
	if c.Scheduler.DefaultCommandTimeout <= 0 {
		return errors.New("config: scheduler.default_command_timeout must be positive")
	}
	if c.Heartbeat.LostAfter <= 0 {
		return errors.New("config: heartbeat.lost_after must be positive")
	}
	return nil
}
