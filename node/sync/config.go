package sync

import "time"

// Config holds the §4.3/§5 tunables. Built by the host; no file/env
// loading lives here (out of scope, §1).
type Config struct {
	// MaxBlocksPerRequest is the §4.3 step 3 pipelining batch size, a
	// server-facing sub-cap of p2p.MaxBlocksPerRequest (the wire ceiling).
	MaxBlocksPerRequest int

	// RequestTimeout, RetryDelay and MaxRetryAttempts implement §4.3 step 5.
	RequestTimeout   time.Duration
	RetryDelay       time.Duration
	MaxRetryAttempts int

	// HeaderQueueCap and BlockBufferCap are the §5 Memory bounds: "Headers
	// and blocks queues capped (2000 and 512 respectively)".
	HeaderQueueCap int
	BlockBufferCap int

	// RelayRecencyWindow is §4.3's "don't re-relay within 2s" rule.
	RelayRecencyWindow time.Duration

	// SyncTimeout is SYNC_TIMEOUT (§5), defaulted to 60s. The Engine does
	// not read it: there is no overall idle bound on a sync attempt, and a
	// stall is handled only by the per-request RequestTimeout/RetryDelay/
	// MaxRetryAttempts path.
	SyncTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxBlocksPerRequest: 100,
		RequestTimeout:      30 * time.Second,
		RetryDelay:          5 * time.Second,
		MaxRetryAttempts:    3,
		HeaderQueueCap:      2000,
		BlockBufferCap:      512,
		RelayRecencyWindow:  2 * time.Second,
		SyncTimeout:         60 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxBlocksPerRequest <= 0 {
		c.MaxBlocksPerRequest = d.MaxBlocksPerRequest
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.HeaderQueueCap <= 0 {
		c.HeaderQueueCap = d.HeaderQueueCap
	}
	if c.BlockBufferCap <= 0 {
		c.BlockBufferCap = d.BlockBufferCap
	}
	if c.RelayRecencyWindow <= 0 {
		c.RelayRecencyWindow = d.RelayRecencyWindow
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = d.SyncTimeout
	}
}
