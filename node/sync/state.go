// Package sync implements the C3 Sync Engine (§4.3): chain catch-up driven
// by peer-advertised height, pipelined header-then-block requests, in-order
// commit to the external ledger, and timeout/backoff retry.
package sync

import "fmt"

// State is the §4.3 sync state machine.
type State int

const (
	StateIdle State = iota
	StateSyncingHeaders
	StateSyncingBlocks
	StateSynchronized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncingHeaders:
		return "syncing_headers"
	case StateSyncingBlocks:
		return "syncing_blocks"
	case StateSynchronized:
		return "synchronized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
