package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Database:   DefaultDatabaseConfig(),
		Redis:      DefaultRedisConfig(),
		Auth:       DefaultAuthConfig(),
		Federation: DefaultFederationConfig(),
		Breaker:    DefaultBreakerConfig(),
		Log:        DefaultLogConfig(),
	}
}

// DefaultServerConfig returns default server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		MetricsPort:      9091,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RateLimitRPS:     100,
		RateLimitBurst:   200,
		AllowQueryAPIKey: false,
	}
}

// DefaultDatabaseConfig returns default record store settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "nodefed.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRedisConfig returns default cache settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:           "localhost:6379",
		DB:             0,
		PoolSize:       10,
		MinIdleConns:   2,
		SearchCacheTTL: 60 * time.Second,
	}
}

// DefaultAuthConfig returns default auth settings. The signing secret has
// no default; it must be configured.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Issuer:           "nodefed",
		TokenTTL:         time.Hour,
		RefreshTokenDays: 30,
	}
}

// DefaultFederationConfig returns default outbound call settings.
func DefaultFederationConfig() FederationConfig {
	return FederationConfig{
		RequestTimeout:   10 * time.Second,
		AggregateTimeout: 15 * time.Second,
		PingTimeout:      5 * time.Second,
		RetryCount:       0,
		SearchLimit:      20,
		Strategy:         "round_robin",
	}
}

// DefaultBreakerConfig returns default circuit breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       10 * time.Minute,
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: false,
	}
}
