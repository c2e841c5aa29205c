package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/auxoncorp/modality-defmt-plugins/internal/config"
	"github.com/auxoncorp/modality-defmt-plugins/internal/contextmgr"
	"github.com/auxoncorp/modality-defmt-plugins/internal/defmt"
	"github.com/auxoncorp/modality-defmt-plugins/internal/eventrecord"
	"github.com/auxoncorp/modality-defmt-plugins/internal/ingestclient"
	"github.com/auxoncorp/modality-defmt-plugins/internal/metrics"
)

const readBufferSize = 1024

// Driver owns the read loop: decode frames, build event records, route them
// through the context manager, and dispatch the resulting ContextEvents to
// an ingest client through a one-event look-ahead buffer.
type Driver struct {
	cfg     *config.Config
	table   *defmt.Table
	client  *ingestclient.Dispatcher
	metrics *metrics.Metrics
	logger  *slog.Logger

	locationsComplete bool
}

// New constructs a Driver bound to an already-parsed symbol table and an
// ingest dispatcher. cfg is used read-only except by the context manager it
// constructs internally, which takes its own private copy.
func New(cfg *config.Config, table *defmt.Table, client *ingestclient.Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{cfg: cfg, table: table, client: client, metrics: m, logger: logger}
	d.locationsComplete = checkLocationCompleteness(table, logger)
	return d
}

// checkLocationCompleteness warns once at startup if DWARF location info is
// absent or incomplete, instead of warning once per event. It returns
// whether per-frame location attribution should be attempted.
func checkLocationCompleteness(table *defmt.Table, logger *slog.Logger) bool {
	total := len(table.Entries)
	missing := table.MissingLocationCount()
	if total == 0 {
		return true
	}
	if missing == total {
		logger.Warn("insufficient DWARF info; compile your program with debug=2 to enable location info", "entries_without_location", missing)
		return false
	}
	if missing > 0 {
		logger.Warn("location info is incomplete; it will be omitted when constructing event attributes", "entries_without_location", missing)
		return false
	}
	return true
}

// CommonTimelineAttrs computes the timeline attributes shared by every
// timeline the context manager allocates: configured additional attributes,
// resolved run_id, table encoding, resolved clock_id, clock_style, the
// optional clock_rate triple, and finally configured override attributes
// (applied last so they win over every computed value).
func CommonTimelineAttrs(cfg *config.Config) map[string]eventrecord.AttrVal {
	attrs := map[string]eventrecord.AttrVal{}

	for _, kv := range cfg.AdditionalTimelineAttrs {
		attrs[qualifyTimelineKey(kv.Key)] = eventrecord.ParseScalarAttrVal(kv.Value)
	}

	attrs[contextmgr.TimelineAttrKey("run_id")] = config.ResolveRunID(cfg)
	attrs[contextmgr.TimelineInternalAttrKey("table.encoding")] = eventrecord.String("custom")

	clockID := config.ResolveClockID(cfg)
	attrs[contextmgr.TimelineAttrKey("clock_id")] = eventrecord.String(clockID)
	attrs[contextmgr.TimelineAttrKey("clock_style")] = eventrecord.String("relative")

	if cfg.ClockRate != nil {
		attrs[contextmgr.TimelineAttrKey("clock_rate")] = eventrecord.String(cfg.ClockRate.String())
		attrs[contextmgr.TimelineAttrKey("clock_rate.numerator")] = eventrecord.Integer(int64(cfg.ClockRate.Numerator))
		attrs[contextmgr.TimelineAttrKey("clock_rate.denominator")] = eventrecord.Integer(int64(cfg.ClockRate.Denominator))
	}

	for _, kv := range cfg.OverrideTimelineAttrs {
		attrs[qualifyTimelineKey(kv.Key)] = eventrecord.ParseScalarAttrVal(kv.Value)
	}

	return attrs
}

// qualifyTimelineKey prefixes a configured attribute key with "timeline."
// unless the user already supplied that prefix themselves.
func qualifyTimelineKey(key string) string {
	if strings.HasPrefix(key, "timeline.") {
		return key
	}
	return contextmgr.TimelineAttrKey(key)
}

func timelineAttrsAsKeyValues(attrs map[string]eventrecord.AttrVal) []eventrecord.KeyValue {
	out := make([]eventrecord.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, eventrecord.KeyValue{Key: k, Value: v})
	}
	return out
}

// Run reads bytes from r until EOF, ctx is cancelled, or interruptor is set,
// decoding frames and dispatching the resulting events to the ingest client.
//
// It maintains a one-event look-ahead buffer: the most recently produced
// ContextEvent is held back until the next one arrives, so that if the next
// event carries an interaction edge back to it, its nonce can be promoted
// from internal to user-visible before it is sent. Every exit path, fatal
// or not, goes through the same tail: flush the buffered event, flush the
// ingest client, and only then surface whichever error terminated the loop.
func (d *Driver) Run(ctx context.Context, r io.Reader, interruptor *Interruptor) error {
	mngr := contextmgr.New(d.cfg, CommonTimelineAttrs(d.cfg), d.logger)
	decoder := defmt.NewStreamDecoder(d.table)
	observedTimelines := map[string]struct{}{}
	var buffered *contextmgr.ContextEvent
	var termErr error

	buf := make([]byte, readBufferSize)

readLoop:
	for {
		if (interruptor != nil && interruptor.IsSet()) || ctx.Err() != nil {
			break readLoop
		}

		n, err := r.Read(buf)
		if n > 0 {
			decoder.Received(buf[:n])

			for {
				frame, status, decErr := decoder.Decode()
				if status == defmt.StatusNeedMoreBytes {
					break
				}
				if status == defmt.StatusMalformed {
					d.logger.Warn("malformed defmt frame", "error", decErr)
					if d.metrics != nil {
						d.metrics.FramesMalformed.Add(1)
					}
					continue
				}

				if d.metrics != nil {
					d.metrics.FramesDecoded.Add(1)
				}

				var loc *defmt.Location
				if d.locationsComplete {
					loc = frame.Location
				}

				rec, warnings, buildErr := eventrecord.Build(frame, loc)
				if buildErr != nil {
					termErr = fmt.Errorf("driver: build event record: %w", buildErr)
					break readLoop
				}
				for _, w := range warnings {
					d.logger.Warn(w)
					if d.metrics != nil {
						d.metrics.Warnings.Add(1)
					}
				}

				active, procErr := mngr.ProcessRecord(rec)
				if procErr != nil {
					termErr = fmt.Errorf("driver: process record: %w", procErr)
					break readLoop
				}

				for i := range active.Events {
					ev := active.Events[i]
					if buffered != nil {
						if ev.AddPreviousEventNonce {
							buffered.Record.PromoteInternalNonce()
						}
						if sendErr := d.sendBuffered(ctx, mngr, *buffered, observedTimelines); sendErr != nil {
							termErr = sendErr
							buffered = &ev
							break readLoop
						}
					}
					buffered = &ev
				}
			}
		}

		if err != nil {
			if err == io.EOF {
				break readLoop
			}
			termErr = fmt.Errorf("driver: read input: %w", err)
			break readLoop
		}
	}

	if buffered != nil {
		d.logger.Debug("flushing buffered event")
		if err := d.sendBuffered(ctx, mngr, *buffered, observedTimelines); err != nil && termErr == nil {
			termErr = err
		}
	}

	if err := d.client.Flush(ctx); err != nil && termErr == nil {
		termErr = fmt.Errorf("driver: flush: %w", err)
	}

	if status, err := d.client.Status(ctx); err == nil {
		d.logger.Debug("ingest status",
			"events_received", status.EventsReceived,
			"events_written", status.EventsWritten,
			"events_pending", status.EventsPending,
		)
	}

	return termErr
}

func (d *Driver) sendBuffered(ctx context.Context, mngr *contextmgr.ContextManager, ev contextmgr.ContextEvent, observed map[string]struct{}) error {
	timeline, err := mngr.TimelineMeta(ev.Context)
	if err != nil {
		return fmt.Errorf("driver: timeline metadata lookup: %w", err)
	}

	var attrs []eventrecord.KeyValue
	if _, seen := observed[timeline.ID]; !seen {
		observed[timeline.ID] = struct{}{}
		attrs = timelineAttrsAsKeyValues(timeline.Attributes)
	}

	if err := d.client.SwitchTimeline(ctx, timeline.ID, attrs); err != nil {
		return fmt.Errorf("driver: switch timeline: %w", err)
	}
	if err := d.client.SendEvent(ctx, ev.GlobalOrdering.String(), ev.Record.SortedAttributes()); err != nil {
		return fmt.Errorf("driver: send event: %w", err)
	}
	if d.metrics != nil {
		d.metrics.EventsSent.Add(1)
		if _, ok := ev.Record.Get(eventrecord.InternalAttrKey("synthetic")); ok {
			d.metrics.SyntheticEvents.Add(1)
		}
	}
	return nil
}
