package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the application's configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	GAE        GAEConfig        `mapstructure:"gae"`
	PPO        PPOConfig        `mapstructure:"ppo"`
}

// ServerConfig contains server-related settings
type ServerConfig struct {
	Host                 string          `mapstructure:"host"`
	Port                 int             `mapstructure:"port"`
	MaxConcurrentStreams int             `mapstructure:"max_concurrent_streams"`
	Keepalive            KeepaliveConfig `mapstructure:"keepalive"`
	RequestTimeout       time.Duration   `mapstructure:"request_timeout"`
	ShutdownTimeout      time.Duration   `mapstructure:"shutdown_timeout"`
}

// KeepaliveConfig contains keepalive settings
type KeepaliveConfig struct {
	Time    time.Duration `mapstructure:"time"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GRPCConfig contains gRPC-specific settings
type GRPCConfig struct {
	HealthCheckEnabled bool `mapstructure:"health_check_enabled"`
	ReflectionEnabled  bool `mapstructure:"reflection_enabled"`
	MaxRecvMsgSize     int  `mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize     int  `mapstructure:"max_send_msg_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig contains metrics endpoint settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// CheckpointConfig controls where and how often policy checkpoints are written
type CheckpointConfig struct {
	Dir           string `mapstructure:"dir"`
	SaveEvery     int    `mapstructure:"save_every"`
	ResumeOnStart bool   `mapstructure:"resume_on_start"`
}

// ClipRangeConfig is an optional [min, max] clamp
type ClipRangeConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Min     float64 `mapstructure:"min"`
	Max     float64 `mapstructure:"max"`
}

// GAEConfig holds advantage estimation hyperparameters
type GAEConfig struct {
	Gamma                float64         `mapstructure:"gamma"`
	Lambda               float64         `mapstructure:"lambda"`
	NormalizeAdvantages  bool            `mapstructure:"normalize_advantages"`
	ClipAdvantages       ClipRangeConfig `mapstructure:"clip_advantages"`
	NormalizeReturns     bool            `mapstructure:"normalize_returns"`
	ClipReturns          ClipRangeConfig `mapstructure:"clip_returns"`
	BootstrapValue       float64         `mapstructure:"bootstrap_value"`
	NormalizationEpsilon float64         `mapstructure:"normalization_epsilon"`
}

// PPOConfig holds clipped-objective and update hyperparameters.
// TargetKL and MaxKL stay nil unless set in the file or environment.
type PPOConfig struct {
	ClipEpsilon               float64  `mapstructure:"clip_epsilon"`
	ValueLossCoefficient      float64  `mapstructure:"value_loss_coefficient"`
	EntropyCoefficient        float64  `mapstructure:"entropy_coefficient"`
	KLPenaltyCoefficient      float64  `mapstructure:"kl_penalty_coefficient"`
	TargetKL                  *float64 `mapstructure:"target_kl"`
	MaxKL                     *float64 `mapstructure:"max_kl"`
	MinibatchSize             int      `mapstructure:"minibatch_size"`
	GradientAccumulationSteps int      `mapstructure:"gradient_accumulation_steps"`
	Epochs                    int      `mapstructure:"epochs"`
}

// Manager owns a viper instance and the last valid configuration read from it
type Manager struct {
	v   *viper.Viper
	mu  sync.RWMutex
	cfg *Config
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	m, err := NewManager(configPath)
	if err != nil {
		return nil, err
	}
	return m.Get(), nil
}

// NewManager reads, unmarshals and validates the configuration.
// An empty configPath searches the default locations; a missing file is not an error.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/policyopt/")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("POLICYOPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// Keys without a default are invisible to Unmarshal unless bound explicitly
	for key, env := range map[string]string{
		"ppo.target_kl": "POLICYOPT_PPO_TARGET_KL",
		"ppo.max_kl":    "POLICYOPT_PPO_MAX_KL",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		log.Printf("Using config file: %s", v.ConfigFileUsed())
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	return &Manager{v: v, cfg: cfg}, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Optional KL bounds only exist when a key was actually provided.
	if !v.IsSet("ppo.target_kl") {
		cfg.PPO.TargetKL = nil
	}
	if !v.IsSet("ppo.max_kl") {
		cfg.PPO.MaxKL = nil
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ConfigFileUsed returns the file the configuration was read from, if any
func (m *Manager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

// Watch re-reads the configuration file on change. The callback only
// receives configurations that passed validation; invalid edits are
// logged and the previous configuration stays active.
func (m *Manager) Watch(callback func(*Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("Config file changed: %s (%s)", e.Name, e.Op)
		cfg, err := decode(m.v)
		if err != nil {
			log.Printf("Failed to reload config: %v", err)
			return
		}

		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()

		log.Println("Configuration reloaded successfully")
		if callback != nil {
			callback(cfg)
		}
	})
	m.v.WatchConfig()
}

// Address returns the host:port the gRPC server listens on
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
