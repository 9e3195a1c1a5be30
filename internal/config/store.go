package config

import "time"

// StoreConfig holds local event store settings. An empty URL selects the
// in-memory backend.
type StoreConfig struct {
	Enabled    bool          `mapstructure:"ENABLED"     json:"enabled"`
	URL        string        `mapstructure:"URL"         json:"url"         validate:"omitempty,dburl"`
	FlushDelay time.Duration `mapstructure:"FLUSH_DELAY" json:"flush_delay" validate:"required,short_duration"`
	MaxConns   int32         `mapstructure:"MAX_CONNS"   json:"max_conns"   validate:"required,min=1,max=100"`
	BloomSize  uint          `mapstructure:"BLOOM_SIZE"  json:"bloom_size"  validate:"required,min=1000"`
	BloomFP    float64       `mapstructure:"BLOOM_FP"    json:"bloom_fp"    validate:"required,gt=0,lt=1"`
}

// IdentityConfig locates the signing key used by publish.
type IdentityConfig struct {
	KeyFile string `mapstructure:"KEY_FILE" json:"key_file" validate:"required"`
}
