package ringhash

import (
	"encoding/json"
	"fmt"
)

// Ring size bounds and defaults.
const (
	MinRingSizeFloor = 1
	MaxRingSizeCap   = 8_388_608

	DefaultMinRingSize = 1024
	DefaultMaxRingSize = 8_388_608
)

// Config is the parsed ring_hash_experimental policy config.
type Config struct {
	// MinRingSize is the minimum number of ring entries, which bounds how
	// far an address's share of the ring may drift from its weight.
	MinRingSize uint64 `json:"minRingSize,omitempty"`
	// MaxRingSize caps the number of ring entries.
	MaxRingSize uint64 `json:"maxRingSize,omitempty"`
}

// PolicyName implements balancer.Config.
func (Config) PolicyName() string { return Name }

func parseConfig(raw json.RawMessage) (Config, error) {
	cfg := Config{
		MinRingSize: DefaultMinRingSize,
		MaxRingSize: DefaultMaxRingSize,
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("ringhash: invalid config %s: %w", raw, err)
		}
		if cfg.MinRingSize == 0 {
			cfg.MinRingSize = DefaultMinRingSize
		}
		if cfg.MaxRingSize == 0 {
			cfg.MaxRingSize = DefaultMaxRingSize
		}
	}
	if cfg.MinRingSize > MaxRingSizeCap {
		return Config{}, fmt.Errorf("ringhash: min_ring_size %d exceeds %d", cfg.MinRingSize, MaxRingSizeCap)
	}
	if cfg.MaxRingSize > MaxRingSizeCap {
		return Config{}, fmt.Errorf("ringhash: max_ring_size %d exceeds %d", cfg.MaxRingSize, MaxRingSizeCap)
	}
	if cfg.MinRingSize > cfg.MaxRingSize {
		return Config{}, fmt.Errorf("ringhash: min_ring_size %d greater than max_ring_size %d", cfg.MinRingSize, cfg.MaxRingSize)
	}
	return cfg, nil
}
