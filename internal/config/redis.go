package config

import (
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	// Either a single address or a seed list of host:port addresses
	Addrs           []string `validate:"required,min=1"`
	DB              int      `validate:"gte=0,lte=16"`
	Password        string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int `validate:"required"`
	MinIdleConns    int
	MaxConnAge      time.Duration
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration
	MasterName      string
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           rc.Addrs,
		DB:              rc.DB,
		Password:        rc.Password,
		MaxRetries:      rc.MaxRetries,
		MinRetryBackoff: rc.MinRetryBackoff,
		MaxRetryBackoff: rc.MaxRetryBackoff,
		DialTimeout:     rc.DialTimeout,
		ReadTimeout:     rc.ReadTimeout,
		WriteTimeout:    rc.WriteTimeout,
		PoolSize:        rc.PoolSize,
		MinIdleConns:    rc.MinIdleConns,
		ConnMaxLifetime: rc.MaxConnAge,
		PoolTimeout:     rc.PoolTimeout,
		ConnMaxIdleTime: rc.IdleTimeout,
		MasterName:      rc.MasterName,
	}
}

// AsAsynqOpt points the task queue at the same Redis deployment as the store.
func (rc RedisConfig) AsAsynqOpt() asynq.RedisConnOpt {
	switch {
	case rc.MasterName != "":
		return asynq.RedisFailoverClientOpt{
			MasterName:    rc.MasterName,
			SentinelAddrs: rc.Addrs,
			Password:      rc.Password,
			DB:            rc.DB,
			DialTimeout:   rc.DialTimeout,
			ReadTimeout:   rc.ReadTimeout,
			WriteTimeout:  rc.WriteTimeout,
			PoolSize:      rc.PoolSize,
		}
	case len(rc.Addrs) > 1:
		return asynq.RedisClusterClientOpt{
			Addrs:        rc.Addrs,
			Password:     rc.Password,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
		}
	default:
		var addr string
		if len(rc.Addrs) == 1 {
			addr = rc.Addrs[0]
		}
		return asynq.RedisClientOpt{
			Addr:         addr,
			Password:     rc.Password,
			DB:           rc.DB,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
			PoolSize:     rc.PoolSize,
		}
	}
}
