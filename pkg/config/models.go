package config

import "time"

type Config struct {
	Server       ServerConfig
	Transport    TransportConfig
	Call         CallConfig
	Log          LogConfig
	Capabilities []string `mapstructure:"capabilities"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "off"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	SendBuffer  int           `mapstructure:"sendBuffer"`
}

type CallConfig struct {
	// How long a session may sit in calling/ringing before it is
	// auto-terminated with reason timeout.
	RingTimeout time.Duration `mapstructure:"ringTimeout"`
	// Whether signal payloads are relayed before the callee accepts.
	AllowEarlySignal bool `mapstructure:"allowEarlySignal"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
