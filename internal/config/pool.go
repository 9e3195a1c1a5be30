package config

import "time"

// PoolConfig holds relay connection and subscription settings.
type PoolConfig struct {
	Relays           []string      `mapstructure:"RELAYS"             json:"relays"             validate:"omitempty,dive,relayurl"`
	ReconnectBackoff time.Duration `mapstructure:"RECONNECT_BACKOFF"  json:"reconnect_backoff"  validate:"required,reasonable_duration"`
	DialTimeout      time.Duration `mapstructure:"DIAL_TIMEOUT"       json:"dial_timeout"       validate:"required,timeout_duration"`
	WriteTimeout     time.Duration `mapstructure:"WRITE_TIMEOUT"      json:"write_timeout"      validate:"required,timeout_duration"`
	PingInterval     time.Duration `mapstructure:"PING_INTERVAL"      json:"ping_interval"      validate:"required,reasonable_duration"`
	ListTimeout      time.Duration `mapstructure:"LIST_TIMEOUT"       json:"list_timeout"       validate:"required,timeout_duration"`
	PublishTimeout   time.Duration `mapstructure:"PUBLISH_TIMEOUT"    json:"publish_timeout"    validate:"required,timeout_duration"`
	MaxCachedSubs    int           `mapstructure:"MAX_CACHED_SUBS"    json:"max_cached_subs"    validate:"required,min=1,max=1000"`
	OneShotKinds     []int         `mapstructure:"ONE_SHOT_KINDS"     json:"one_shot_kinds"     validate:"omitempty,dive,min=0,max=65535"`
	SendRate         float64       `mapstructure:"SEND_RATE"          json:"send_rate"          validate:"required,gt=0"`
	SendBurst        int           `mapstructure:"SEND_BURST"         json:"send_burst"         validate:"required,min=1,max=10000"`
	MaxMessageSize   int64         `mapstructure:"MAX_MESSAGE_SIZE"   json:"max_message_size"   validate:"required,min=1024"`
	VerifySignatures bool          `mapstructure:"VERIFY_SIGNATURES"  json:"verify_signatures"`
}
