// Package config loads the service configuration from an optional YAML file
// and NEXTUP_ prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nextup/nextup-estimation/internal/estimation"
	"github.com/nextup/nextup-estimation/internal/history"
	"github.com/nextup/nextup-estimation/internal/simulation"
)

const EnvPrefix = "NEXTUP"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	SchedulerTimer = "timer"
	SchedulerAsynq = "asynq"
)

type Config struct {
	LogLevel   string `validate:"oneof=trace debug info warn error"`
	HTTP       HTTPConfig
	Store      StoreConfig
	Scheduler  SchedulerConfig
	History    HistoryConfig
	Estimation EstimationConfig
	Simulation simulation.Config
	Metrics    MetricsConfig
}

type HTTPConfig struct {
	Port            uint16 `validate:"required"`
	ShutdownTimeout time.Duration
	// StartSimulation starts the arrival generator on boot instead of
	// waiting for GET /simulate.
	StartSimulation bool
}

type StoreConfig struct {
	Backend string      `validate:"oneof=memory redis"`
	Redis   RedisConfig `validate:"-"`
}

type SchedulerConfig struct {
	Backend     string `validate:"oneof=timer asynq"`
	Concurrency int    `validate:"gte=1"`
}

type HistoryConfig struct {
	// Driver is sqlite, postgres or empty to only log terminal events.
	Driver string `validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `validate:"required_with=Driver"`
	PubNub PubNubConfig
}

type PubNubConfig struct {
	Enabled      bool
	PublishKey   string `validate:"required_if=Enabled true"`
	SubscribeKey string
	SecretKey    string
	UserID       string
	Channel      string
}

func (c PubNubConfig) RecorderConfig() *history.PubNubConfig {
	return &history.PubNubConfig{
		PublishKey:    c.PublishKey,
		SubscribeKey:  c.SubscribeKey,
		SecretKey:     c.SecretKey,
		UserID:        c.UserID,
		ChannelPrefix: c.Channel,
	}
}

type EstimationConfig struct {
	WindowSize                  int     `validate:"gte=1"`
	SmoothingFloor              float64 `validate:"gte=0"`
	EnablePersonalizedEstimates bool
}

type MetricsConfig struct {
	Enabled bool
}

// EstimatorConfig combines the estimation settings with the simulated minute
// length so estimates decay at simulation speed.
func (c Config) EstimatorConfig() estimation.Config {
	return estimation.Config{
		WindowSize:                  c.Estimation.WindowSize,
		SmoothingFloor:              c.Estimation.SmoothingFloor,
		EnablePersonalizedEstimates: c.Estimation.EnablePersonalizedEstimates,
		MinuteDuration:              c.Simulation.MinuteDuration,
	}
}

func setDefaults(v *viper.Viper) {
	sim := simulation.DefaultConfig()

	v.SetDefault("logLevel", "info")
	v.SetDefault("http.port", 3000)
	v.SetDefault("http.shutdownTimeout", 10*time.Second)
	v.SetDefault("http.startSimulation", false)

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.poolSize", 100)
	v.SetDefault("store.redis.dialTimeout", 5*time.Second)
	v.SetDefault("store.redis.readTimeout", 3*time.Second)
	v.SetDefault("store.redis.writeTimeout", 3*time.Second)

	v.SetDefault("scheduler.backend", SchedulerTimer)
	v.SetDefault("scheduler.concurrency", 10)

	v.SetDefault("history.driver", history.DriverSQLite)
	v.SetDefault("history.dsn", "nextup-history.db")
	v.SetDefault("history.pubnub.enabled", false)
	v.SetDefault("history.pubnub.publishKey", "")
	v.SetDefault("history.pubnub.subscribeKey", "")
	v.SetDefault("history.pubnub.secretKey", "")
	v.SetDefault("history.pubnub.userId", "nextup-estimation")
	v.SetDefault("history.pubnub.channel", "queue-history-")

	v.SetDefault("estimation.windowSize", estimation.DefaultWindowSize)
	v.SetDefault("estimation.smoothingFloor", estimation.DefaultSmoothingFloor)
	v.SetDefault("estimation.enablePersonalizedEstimates", true)

	v.SetDefault("simulation.maxConcurrentArrivals", sim.MaxConcurrentArrivals)
	v.SetDefault("simulation.maxInProgress", sim.MaxInProgress)
	v.SetDefault("simulation.windowCap", sim.WindowCap)
	v.SetDefault("simulation.abandonProbability", sim.AbandonProbability)
	v.SetDefault("simulation.arrivalTick", sim.ArrivalTick)
	v.SetDefault("simulation.minArrivalSpacing", sim.MinArrivalSpacing)
	v.SetDefault("simulation.redispatchDelay", sim.RedispatchDelay)
	v.SetDefault("simulation.minuteDuration", sim.MinuteDuration)
	v.SetDefault("simulation.clientTTL", sim.ClientTTL)
	v.SetDefault("simulation.resetInProgressOnStart", sim.ResetInProgressOnStart)
	v.SetDefault("simulation.optimizeInterval", sim.OptimizeInterval)

	v.SetDefault("metrics.enabled", true)
}

// Load reads the configuration. path may be empty, in which case only the
// defaults and the environment are used.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Simulation.ServiceTypes) == 0 {
		cfg.Simulation.ServiceTypes = simulation.DefaultServiceTypes()
	}
	return cfg, nil
}
