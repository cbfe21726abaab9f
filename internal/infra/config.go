package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config корневая структура конфигурации Gate.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Logger        LoggerConfig        `mapstructure:"logger"`
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

type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, kill switch, распределенный guard).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig выбирает хранилище политик, счетчиков и журнала: memory, postgres, bolt.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	BoltPath string `mapstructure:"bolt_path"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	Issuer         string        `mapstructure:"issuer"`
	PublicKey      []byte
	PrivateKey     []byte

	// Пользователь-оператор, создаваемый при старте (адрес = policy.admin_address)
	BootstrapUsername string `mapstructure:"bootstrap_username"`
	BootstrapPassword string `mapstructure:"bootstrap_password"`
}

// EngineConfig настройки Execution Gate.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Обратная связь о нарушениях в реестр репутации (best effort)
	ReportViolations bool `mapstructure:"report_violations"`

	// Множитель репутации: multiplicative (bound * (1 + score/divisor)) или additive (bound + score * unit)
	ReputationMultiplier string `mapstructure:"reputation_multiplier"`
	ReputationDivisor    int64  `mapstructure:"reputation_divisor"`
	ReputationUnit       string `mapstructure:"reputation_unit"`

	NearMissRatio       string        `mapstructure:"near_miss_ratio"`
	HaltAfterViolations int           `mapstructure:"halt_after_violations"`
	ViolationWindow     time.Duration `mapstructure:"violation_window"`

	// Распределенный guard для нескольких инстансов (требует Redis)
	DistributedGuard bool          `mapstructure:"distributed_guard"`
	GuardTTL         time.Duration `mapstructure:"guard_ttl"`
}

type PolicyConfig struct {
	AdminAddress string        `mapstructure:"admin_address"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	TemplatesDir string        `mapstructure:"templates_dir"`
}

// CollaboratorsConfig: simulated (in-memory) или grpc.
type CollaboratorsConfig struct {
	Driver  string        `mapstructure:"driver"`
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`

	RateLimit     float64 `mapstructure:"rate_limit"`
	RateBurst     int     `mapstructure:"rate_burst"`
	RetryAttempts uint    `mapstructure:"retry_attempts"`

	// Настройки Circuit Breaker
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`

	SimulatedMinLatency time.Duration `mapstructure:"simulated_min_latency"`
	SimulatedMaxLatency time.Duration `mapstructure:"simulated_max_latency"`

	// SimulatedAgents агент -> адрес контроллера в симулированном реестре идентичностей
	SimulatedAgents map[string]string `mapstructure:"simulated_agents"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, console
	File       string `mapstructure:"file"`   // пусто = только stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path может быть пустым: тогда config.yaml ищется в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.addr", ":50052")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "delegation-gate")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.bolt_path", "./data/gate.db")
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.private_key_path", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.issuer", "delegation-gate")
	v.SetDefault("auth.bootstrap_username", "")
	v.SetDefault("auth.bootstrap_password", "")
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.report_violations", true)
	v.SetDefault("engine.reputation_multiplier", "multiplicative")
	v.SetDefault("engine.reputation_divisor", 100)
	v.SetDefault("engine.reputation_unit", "0")
	v.SetDefault("engine.near_miss_ratio", "0.8")
	v.SetDefault("engine.halt_after_violations", 0)
	v.SetDefault("engine.violation_window", time.Hour)
	v.SetDefault("engine.distributed_guard", false)
	v.SetDefault("engine.guard_ttl", 30*time.Second)
	// ENV перекрывает только известные viper ключи, поэтому пустые дефолты тоже объявлены
	v.SetDefault("policy.admin_address", "")
	v.SetDefault("policy.cache_ttl", 30*time.Second)
	v.SetDefault("policy.templates_dir", "")
	v.SetDefault("collaborators.driver", "simulated")
	v.SetDefault("collaborators.addr", "")
	v.SetDefault("collaborators.timeout", 10*time.Second)
	v.SetDefault("collaborators.rate_limit", 100)
	v.SetDefault("collaborators.rate_burst", 20)
	v.SetDefault("collaborators.retry_attempts", 3)
	v.SetDefault("collaborators.cb_max_requests", 3)
	v.SetDefault("collaborators.cb_interval", 5*time.Second)
	v.SetDefault("collaborators.cb_timeout", 30*time.Second)
	v.SetDefault("collaborators.cb_failures", 5)
	v.SetDefault("collaborators.simulated_min_latency", time.Duration(0))
	v.SetDefault("collaborators.simulated_max_latency", time.Duration(0))
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 7)
	v.SetDefault("logger.max_age_days", 30)
}

// Validate отсекает несовместимые комбинации до старта компонентов.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "bolt":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("storage.driver=postgres requires database.url")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Collaborators.Driver {
	case "simulated":
	case "grpc":
		if c.Collaborators.Addr == "" {
			return fmt.Errorf("collaborators.driver=grpc requires collaborators.addr")
		}
	default:
		return fmt.Errorf("unknown collaborators.driver %q", c.Collaborators.Driver)
	}
	switch c.Engine.ReputationMultiplier {
	case "multiplicative", "additive":
	default:
		return fmt.Errorf("unknown engine.reputation_multiplier %q", c.Engine.ReputationMultiplier)
	}
	if c.Engine.DistributedGuard && !c.Redis.Enabled {
		return fmt.Errorf("engine.distributed_guard requires redis.enabled")
	}
	return nil
}

// loadKeyResource: PEM из ENV или из файла по пути
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
