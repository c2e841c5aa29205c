// Package ingestclient implements the external ingest-service contract and
// the attribute-key interning layer in front of it.
//
// [Client] is the low-level contract the driver's dispatcher depends on;
// [GRPCClient] is a concrete implementation over a gRPC connection.
// [Dispatcher] sits on top of any [Client] and does the key interning and
// normalization; event-key interning never consults the timeline-key map.
package ingestclient

import (
	"context"
	"errors"

	"github.com/auxoncorp/modality-defmt-plugins/internal/eventrecord"
)

// InternedKey is the handle returned by DeclareAttrKey, opaque to callers.
type InternedKey uint64

// KeyValue pairs an already-interned attribute key with its value, the unit
// of data OpenTimeline/TimelineMetadata/Event exchange with the ingest
// service.
type KeyValue struct {
	Key   InternedKey
	Value eventrecord.AttrVal
}

// Status is the ingest service's self-reported progress, returned by
// Client.Status and logged at Debug by the driver after a flush.
type Status struct {
	EventsReceived uint64
	EventsWritten  uint64
	EventsPending  uint64
}

// Client is the external ingest-service contract: open a timeline,
// declare attribute keys once, attach timeline metadata, submit ordered
// events, flush, and report status. Implementations are not required to be
// safe for concurrent use; the core drives one Client from a single
// logical task.
type Client interface {
	// OpenTimeline switches the active timeline for subsequent Event calls.
	OpenTimeline(ctx context.Context, id string) error
	// DeclareAttrKey interns an attribute key name, returning a stable
	// handle to use in subsequent TimelineMetadata/Event calls.
	DeclareAttrKey(ctx context.Context, key string) (InternedKey, error)
	// TimelineMetadata attaches interned-key attributes to the
	// currently-open timeline.
	TimelineMetadata(ctx context.Context, attrs []KeyValue) error
	// Event submits one ordered event with interned-key attributes on the
	// currently-open timeline.
	Event(ctx context.Context, ordering string, attrs []KeyValue) error
	// Flush blocks until all previously submitted data has been
	// acknowledged by the ingest service.
	Flush(ctx context.Context) error
	// Status reports the ingest service's event counters.
	Status(ctx context.Context) (Status, error)
}

// Fatal errors, surfaced after an attempted flush and never retried by the
// dispatcher itself.
var (
	ErrIngest   = errors.New("ingestclient: ingest service error")
	ErrAuth     = errors.New("ingestclient: authentication failed")
	ErrURLParse = errors.New("ingestclient: invalid ingest URL")
)
