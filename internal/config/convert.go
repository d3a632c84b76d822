package config

import (
	"github.com/objectfs/sessiond/internal/cache"
	"github.com/objectfs/sessiond/internal/metrics"
	"github.com/objectfs/sessiond/internal/queue"
	"github.com/objectfs/sessiond/internal/session"
	"github.com/objectfs/sessiond/pkg/errors"
	"github.com/objectfs/sessiond/pkg/utils"
)

// LoggerOptions builds the structured logger configuration.
func (c *Configuration) LoggerOptions() (*utils.StructuredLoggerConfig, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid log level", err).WithComponent("config")
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid log format", err).WithComponent("config")
	}

	opts := utils.DefaultStructuredLoggerConfig()
	opts.Level = level
	opts.Format = format
	opts.File = c.Global.LogFile
	return opts, nil
}

// QueueOptions builds the work queue configuration.
func (c *Configuration) QueueOptions() queue.Config {
	return queue.Config{
		ItemsPerBatch:        c.Queue.ItemsPerBatch,
		MaxBatchesPerPass:    c.Queue.MaxBatchesPerPass,
		ShutdownPollInterval: c.Queue.ShutdownPollInterval,
	}
}

// CacheOptions builds the cache manager configuration.
func (c *Configuration) CacheOptions() (cache.Config, error) {
	threshold, err := c.CompressionThresholdBytes()
	if err != nil {
		return cache.Config{}, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid compression threshold", err).WithComponent("config")
	}
	limit, err := c.MemoryLimitBytes()
	if err != nil {
		return cache.Config{}, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid memory limit", err).WithComponent("config")
	}

	pools := make([]cache.PoolConfig, len(c.Cache.Pools))
	copy(pools, c.Cache.Pools)

	return cache.Config{
		Pools:                     pools,
		CompressionThreshold:      threshold,
		DynamicTTLStep:            c.Cache.DynamicTTLStep,
		FrequencyTableSize:        c.Cache.FrequencyTableSize,
		HighPressureThreshold:     c.Cache.HighPressureThreshold,
		ModeratePressureThreshold: c.Cache.ModeratePressureThreshold,
		HighEvictFraction:         c.Cache.HighEvictFraction,
		ModerateEvictFraction:     c.Cache.ModerateEvictFraction,
		ForceGC:                   c.Cache.ForceGC,
		MonitorInterval:           c.Cache.MonitorInterval,
		MemoryLimit:               limit,
	}, nil
}

// SessionOptions builds the connection controller configuration.
func (c *Configuration) SessionOptions() session.Config {
	return session.Config{
		BaseDelay:           c.Session.BaseDelay,
		GrowthFactor:        c.Session.GrowthFactor,
		MaxDelay:            c.Session.MaxDelay,
		MaxAttempts:         c.Session.MaxAttempts,
		ForbiddenCeiling:    c.Session.ForbiddenCeiling,
		ConnectionLostDelay: c.Session.ConnectionLostDelay,
		TransientDelay:      c.Session.TransientDelay,
		CredentialDelay:     c.Session.CredentialDelay,
		ConnectTimeout:      c.Session.ConnectTimeout,
	}
}

// MetricsOptions builds the metrics collector configuration.
func (c *Configuration) MetricsOptions() *metrics.Config {
	labels := make(map[string]string, len(c.Monitoring.Labels))
	for k, v := range c.Monitoring.Labels {
		labels[k] = v
	}
	return &metrics.Config{
		Enabled:           c.Monitoring.Enabled,
		Addr:              c.Monitoring.Addr,
		Path:              c.Monitoring.Path,
		Namespace:         c.Monitoring.Namespace,
		Labels:            labels,
		RuntimeCollectors: true,
	}
}

// PrimeValues returns the seed entries for each configured pool.
func (c *Configuration) PrimeValues() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(c.Cache.Prime))
	for pool, entries := range c.Cache.Prime {
		values := make(map[string]interface{}, len(entries))
		for k, v := range entries {
			values[k] = v
		}
		out[pool] = values
	}
	return out
}
