package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Matching  MatchingConfig
	Rooms     RoomsConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
}

type MatchingConfig struct {
	// GroupSize is the target room size; pairs form once the grace
	// window passes without a third compatible user.
	GroupSize       int           `mapstructure:"groupSize"`
	GraceWindow     time.Duration `mapstructure:"graceWindow"`
	RematchInterval time.Duration `mapstructure:"rematchInterval"`
}

type RoomsConfig struct {
	// DissolveGrace is how long an undersized room lingers before it is
	// closed and any sole survivor is returned to the waiting pool.
	DissolveGrace time.Duration `mapstructure:"dissolveGrace"`
}

type LoggingConfig struct {
	Level string
}
