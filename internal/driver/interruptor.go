// Package driver implements the streaming read loop that ties the frame
// decoder, event record builder, context manager, and ingest dispatcher
// together, including the one-event
// look-ahead buffer that promotes the previous event's internal nonce to a
// user-visible one when the following event, on whichever timeline, carries
// an interaction edge back to it.
package driver

import "sync/atomic"

// Interruptor is a single set-once flag, polled cooperatively between reads
// rather than via goroutine cancellation — the read loop only ever checks
// it between calls to the byte source, matching the reference
// implementation's synchronous intr.is_set() check.
type Interruptor struct {
	flag atomic.Bool
}

// Set marks the interruptor as triggered. Idempotent: calling it more than
// once has no additional effect.
func (i *Interruptor) Set() {
	i.flag.Store(true)
}

// IsSet reports whether Set has been called.
func (i *Interruptor) IsSet() bool {
	return i.flag.Load()
}
