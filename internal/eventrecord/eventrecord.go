package eventrecord

import "sort"

const (
	attrKeyPrefix         = "event."
	internalAttrKeyPrefix = "event.internal.defmt."
)

// AttrKey qualifies a bare attribute name under the user-visible "event."
// prefix.
func AttrKey(k string) string { return attrKeyPrefix + k }

// InternalAttrKey qualifies a bare attribute name under the
// implementation-visible "event.internal.defmt." prefix.
func InternalAttrKey(k string) string { return internalAttrKeyPrefix + k }

// EventRecord is an attribute bag keyed by fully-qualified attribute name,
// iterated in sorted key order so emission order is deterministic.
type EventRecord struct {
	attributes map[string]AttrVal
}

// New returns an empty EventRecord.
func New() *EventRecord {
	return &EventRecord{attributes: map[string]AttrVal{}}
}

// FromMap is a test helper that builds a record directly from key/value
// pairs, bypassing the format-string walk.
func FromMap(attrs map[string]AttrVal) *EventRecord {
	cp := make(map[string]AttrVal, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return &EventRecord{attributes: cp}
}

func (e *EventRecord) insertAttr(k string, v AttrVal) {
	e.attributes[k] = v
}

// InsertAttr sets an already-qualified attribute key directly; used by the
// context manager to stamp bookkeeping attributes (event_counter, nonce,
// synthetic-event markers) onto a record it did not build itself.
func (e *EventRecord) InsertAttr(k string, v AttrVal) {
	e.insertAttr(k, v)
}

// Get returns the value of a fully-qualified attribute key, if present.
func (e *EventRecord) Get(k string) (AttrVal, bool) {
	v, ok := e.attributes[k]
	return v, ok
}

// AddInteraction stamps the remote timeline id and nonce an incoming
// interaction edge carries. When interactions are disabled for the target
// timeline the keys are recorded under the internal prefix instead, so they
// remain available for the context manager without appearing as
// user-visible attributes.
func (e *EventRecord) AddInteraction(interactionsEnabled bool, remoteTimelineID string, remoteNonce int64) {
	remTid, remNonce := AttrKey("interaction.remote_timeline_id"), AttrKey("interaction.remote_nonce")
	if !interactionsEnabled {
		remTid, remNonce = InternalAttrKey("interaction.remote_timeline_id"), InternalAttrKey("interaction.remote_nonce")
	}
	e.insertAttr(remTid, String(remoteTimelineID))
	e.insertAttr(remNonce, Integer(remoteNonce))
}

// AddInternalNonce stamps the not-yet-promoted nonce value under the
// internal key, pending a later PromoteInternalNonce call.
func (e *EventRecord) AddInternalNonce(nonce int64) {
	e.insertAttr(InternalAttrKey("nonce"), Integer(nonce))
}

// PromoteInternalNonce moves event.internal.defmt.nonce to event.nonce, used
// when the streaming driver's look-ahead buffer sees a following event carry
// an interaction edge back to this one. It is idempotent: once the
// internal key has been removed, a second call is a no-op.
func (e *EventRecord) PromoteInternalNonce() {
	key := InternalAttrKey("nonce")
	if v, ok := e.attributes[key]; ok {
		delete(e.attributes, key)
		e.insertAttr(AttrKey("nonce"), v)
	}
}

// EventName returns the event.name attribute, if present and a string.
func (e *EventRecord) EventName() (string, bool) {
	return e.stringAttr(AttrKey("name"))
}

// TaskName returns the event.task attribute, if present and a string.
func (e *EventRecord) TaskName() (string, bool) {
	return e.stringAttr(AttrKey("task"))
}

// IsrName returns the event.isr attribute, if present and a string.
func (e *EventRecord) IsrName() (string, bool) {
	return e.stringAttr(AttrKey("isr"))
}

// IntegrationVersion returns the event.version attribute, if present.
func (e *EventRecord) IntegrationVersion() (uint16, bool) {
	v, ok := e.attributes[AttrKey("version")]
	if !ok || v.Kind != KindInteger {
		return 0, false
	}
	return uint16(v.Integer), true
}

// TimestampRaw returns the raw (unconverted) timestamp value recorded under
// event.internal.defmt.timestamp.
func (e *EventRecord) TimestampRaw() (uint64, bool) {
	v, ok := e.attributes[InternalAttrKey("timestamp")]
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case KindBigInt:
		if v.BigInt == nil {
			return 0, false
		}
		return v.BigInt.Uint64(), true
	case KindInteger:
		return uint64(v.Integer), true
	default:
		return 0, false
	}
}

// InternalNonce returns the not-yet-promoted nonce, used by tests.
func (e *EventRecord) InternalNonce() (int64, bool) {
	v, ok := e.attributes[InternalAttrKey("nonce")]
	if !ok || v.Kind != KindInteger {
		return 0, false
	}
	return v.Integer, true
}

func (e *EventRecord) stringAttr(key string) (string, bool) {
	v, ok := e.attributes[key]
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// Attributes returns the underlying attribute map. Callers that need a
// stable order should use SortedKeys.
func (e *EventRecord) Attributes() map[string]AttrVal {
	return e.attributes
}

// SortedKeys returns every attribute key in lexicographic order.
func (e *EventRecord) SortedKeys() []string {
	keys := make([]string, 0, len(e.attributes))
	for k := range e.attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeyValue is one (key, value) pair in sorted-key order.
type KeyValue struct {
	Key   string
	Value AttrVal
}

// SortedAttributes returns every attribute in lexicographic key order,
// matching the iteration order of a BTreeMap-backed attribute store.
func (e *EventRecord) SortedAttributes() []KeyValue {
	keys := e.SortedKeys()
	out := make([]KeyValue, len(keys))
	for i, k := range keys {
		out[i] = KeyValue{Key: k, Value: e.attributes[k]}
	}
	return out
}
