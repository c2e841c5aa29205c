// Package contextmgr turns a stream of EventRecords into per-context
// timelines. It implements two framing modes, "none" and "rtic1": context
// push/pop tracking, synthetic interaction-bridging events, and the
// global_ordering / event_counter bookkeeping that every emitted
// ContextEvent carries.
package contextmgr

import (
	"hash/fnv"
	"math/big"

	"github.com/google/uuid"

	"github.com/auxoncorp/modality-defmt-plugins/internal/eventrecord"
)

const (
	timelineAttrKeyPrefix         = "timeline."
	timelineInternalAttrKeyPrefix = "timeline.internal.defmt."
)

// TimelineAttrKey qualifies a bare name under the "timeline." prefix.
func TimelineAttrKey(k string) string { return timelineAttrKeyPrefix + k }

// TimelineInternalAttrKey qualifies a bare name under the
// "timeline.internal.defmt." prefix.
func TimelineInternalAttrKey(k string) string { return timelineInternalAttrKeyPrefix + k }

// ContextId identifies a task or ISR context: a stable hash of its name.
type ContextId uint64

// contextID hashes a context name into a ContextId. Only self-consistency
// across calls within one process matters, never a stable cross-process
// value, so any deterministic hash works.
func contextID(name string) ContextId {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return ContextId(h.Sum64())
}

// interactionSource names the origin of a causal edge from one timeline's
// nonce to a newly active context's first event.
type interactionSource struct {
	ContextID  ContextId
	TimelineID string
	Nonce      int64
}

// TimelineMeta is the host-side record of one context's timeline: its
// allocated id, attribute set, and nonce counter.
type TimelineMeta struct {
	ID         string
	ContextID  ContextId
	Attributes map[string]eventrecord.AttrVal

	// Nonce is the counter stamped on the last emitted event for this
	// timeline; wrapping addition matches the target's own wraparound.
	Nonce int64

	// RequiresSyntheticInteractionEvent is set when this context was just
	// popped back onto and no event has arrived on it since; the next
	// context switch away from it synthesizes an AUXON_CONTEXT_RETURN
	// event before proceeding, keeping causality linear.
	RequiresSyntheticInteractionEvent bool
}

func newTimelineMeta(ctxName string, ctxID ContextId) *TimelineMeta {
	tlm := &TimelineMeta{
		ID:         uuid.NewString(),
		ContextID:  ctxID,
		Attributes: map[string]eventrecord.AttrVal{},
	}
	tlm.InsertAttr(TimelineAttrKey("name"), eventrecord.String(ctxName))
	tlm.InsertAttr(TimelineInternalAttrKey("context.id"), eventrecord.BigIntVal(new(big.Int).SetUint64(uint64(ctxID))))
	return tlm
}

// InsertAttr sets an already-qualified attribute key on the timeline.
func (t *TimelineMeta) InsertAttr(k string, v eventrecord.AttrVal) {
	t.Attributes[k] = v
}

// IncrementNonce advances the timeline's nonce by one, wrapping silently at
// the int64 boundary the same way the target's own counter wraps.
func (t *TimelineMeta) IncrementNonce() {
	t.Nonce++
}

// InteractionSource returns the (context, timeline, nonce) triple to record
// as the origin of an interaction leaving this timeline right now.
func (t *TimelineMeta) InteractionSource() interactionSource {
	return interactionSource{ContextID: t.ContextID, TimelineID: t.ID, Nonce: t.Nonce}
}

// NextInteractionSource returns the interaction source using the nonce this
// timeline's next event will be stamped with — used when popping a context,
// since the interaction's home event (on this timeline) hasn't been
// recorded yet at pop time.
func (t *TimelineMeta) NextInteractionSource() interactionSource {
	return interactionSource{ContextID: t.ContextID, TimelineID: t.ID, Nonce: t.Nonce + 1}
}
