package dbft

import "time"

// Config holds the tunables named as constants in §4.4 and §5. It is
// built by the host and passed to NewEngine; there is no file/env loading
// here (configuration-file loading is out of scope, §1).
type Config struct {
	NetworkMagic uint32

	// ExpectedBlockTime is the baseline view-timeout unit: view_timeout(V) =
	// ExpectedBlockTime * 2^(V+1), clamped to MaxViewTimeout (§4.4.4; the
	// clamp is this implementation's choice of upper bound for V >= 6, left
	// unspecified by the protocol).
	ExpectedBlockTime time.Duration
	MaxViewTimeout    time.Duration

	MaxTxsPerBlock int

	// LostValidatorRounds is "K" from §4.4.7: the number of missed rounds
	// after which a validator counts as "lost". Default 3. The Engine does
	// not read this field: its lost check (shouldRequestRecovery) uses
	// LostThresholdBlocks only.
	LostValidatorRounds uint32

	// LostThresholdBlocks: a validator is "lost" if its last_seen_message
	// is this many blocks behind H (§4.4.7, the other half of "lost").
	LostThresholdBlocks uint32

	RecoveryTimeout time.Duration
}

func DefaultConfig(networkMagic uint32) Config {
	return Config{
		NetworkMagic:        networkMagic,
		ExpectedBlockTime:   15 * time.Second,
		MaxViewTimeout:      60 * time.Second,
		MaxTxsPerBlock:      512,
		LostValidatorRounds: 3,
		LostThresholdBlocks: 3,
		RecoveryTimeout:     30 * time.Second,
	}
}

// ViewTimeout implements the doubling schedule from §4.4.4, clamped to
// MaxViewTimeout for views where unbounded doubling would otherwise apply.
func (c Config) ViewTimeout(view uint8) time.Duration {
	d := c.ExpectedBlockTime
	for i := uint8(0); i <= view; i++ {
		d *= 2
		if d >= c.MaxViewTimeout {
			return c.MaxViewTimeout
		}
	}
	return d
}
