package ingestclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/auxoncorp/modality-defmt-plugins/internal/eventrecord"
)

const (
	timelineKeyPrefix = "timeline."
	eventKeyPrefix    = "event."
)

// Dispatcher sits between the streaming driver and a [Client], owning two
// attribute-key interning maps: one for timeline attribute keys, one for
// event attribute keys. They are kept strictly separate. Interning an event
// key only ever consults (and populates) the event-key map, never the
// timeline-key map; an earlier revision of this logic conflated the two.
// Bare keys are qualified with the "timeline."/"event." prefix here rather
// than relying on every caller to pre-qualify them.
type Dispatcher struct {
	client Client

	timelineKeys map[string]InternedKey
	eventKeys    map[string]InternedKey

	observedTimelines map[string]struct{}
	currentTimeline    string
}

// NewDispatcher wraps client with key-interning bookkeeping.
func NewDispatcher(client Client) *Dispatcher {
	return &Dispatcher{
		client:            client,
		timelineKeys:      map[string]InternedKey{},
		eventKeys:         map[string]InternedKey{},
		observedTimelines: map[string]struct{}{},
	}
}

// internTimelineKey interns key as a timeline attribute key, reusing a prior
// handle if this key has already been declared. A bare key is qualified with
// the "timeline." prefix before interning, so callers that forget to
// pre-qualify still declare the right name.
func (d *Dispatcher) internTimelineKey(ctx context.Context, key string) (InternedKey, error) {
	if !strings.HasPrefix(key, timelineKeyPrefix) {
		key = timelineKeyPrefix + key
	}
	if k, ok := d.timelineKeys[key]; ok {
		return k, nil
	}
	k, err := d.client.DeclareAttrKey(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("ingestclient: declare timeline attr key %q: %w", key, err)
	}
	d.timelineKeys[key] = k
	return k, nil
}

// internEventKey interns key as an event attribute key, reusing a prior
// handle if this key has already been declared. It consults only
// d.eventKeys, never d.timelineKeys. A bare key is qualified with the
// "event." prefix before interning.
func (d *Dispatcher) internEventKey(ctx context.Context, key string) (InternedKey, error) {
	if !strings.HasPrefix(key, eventKeyPrefix) {
		key = eventKeyPrefix + key
	}
	if k, ok := d.eventKeys[key]; ok {
		return k, nil
	}
	k, err := d.client.DeclareAttrKey(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("ingestclient: declare event attr key %q: %w", key, err)
	}
	d.eventKeys[key] = k
	return k, nil
}

func (d *Dispatcher) internTimelineAttrs(ctx context.Context, attrs []eventrecord.KeyValue) ([]KeyValue, error) {
	out := make([]KeyValue, 0, len(attrs))
	for _, a := range attrs {
		k, err := d.internTimelineKey(ctx, a.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyValue{Key: k, Value: a.Value})
	}
	return out, nil
}

func (d *Dispatcher) internEventAttrs(ctx context.Context, attrs []eventrecord.KeyValue) ([]KeyValue, error) {
	out := make([]KeyValue, 0, len(attrs))
	for _, a := range attrs {
		k, err := d.internEventKey(ctx, a.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyValue{Key: k, Value: a.Value})
	}
	return out, nil
}

// SwitchTimeline opens timelineID on the underlying client. attrs are sent
// as timeline metadata only the first time a given timelineID is seen by
// this dispatcher; subsequent calls just switch the active timeline.
func (d *Dispatcher) SwitchTimeline(ctx context.Context, timelineID string, attrs []eventrecord.KeyValue) error {
	if err := d.client.OpenTimeline(ctx, timelineID); err != nil {
		return fmt.Errorf("ingestclient: open timeline %q: %w", timelineID, err)
	}
	d.currentTimeline = timelineID

	if _, seen := d.observedTimelines[timelineID]; seen {
		return nil
	}
	d.observedTimelines[timelineID] = struct{}{}

	interned, err := d.internTimelineAttrs(ctx, attrs)
	if err != nil {
		return err
	}
	if len(interned) == 0 {
		return nil
	}
	if err := d.client.TimelineMetadata(ctx, interned); err != nil {
		return fmt.Errorf("ingestclient: send timeline metadata for %q: %w", timelineID, err)
	}
	return nil
}

// SendEvent interns attrs as event attribute keys and submits the event on
// whichever timeline is currently open.
func (d *Dispatcher) SendEvent(ctx context.Context, ordering string, attrs []eventrecord.KeyValue) error {
	interned, err := d.internEventAttrs(ctx, attrs)
	if err != nil {
		return err
	}
	if err := d.client.Event(ctx, ordering, interned); err != nil {
		return fmt.Errorf("ingestclient: send event on %q: %w", d.currentTimeline, err)
	}
	return nil
}

// Flush delegates to the underlying client.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if err := d.client.Flush(ctx); err != nil {
		return fmt.Errorf("ingestclient: flush: %w", err)
	}
	return nil
}

// Status delegates to the underlying client.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	return d.client.Status(ctx)
}
