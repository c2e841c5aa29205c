package contextmgr

import (
	"log/slog"
	"math/big"
	"strings"

	"github.com/auxoncorp/modality-defmt-plugins/internal/config"
	"github.com/auxoncorp/modality-defmt-plugins/internal/eventrecord"
)

const (
	unknownContext              = "UNKNOWN_CONTEXT"
	syntheticInteractionEvent   = "AUXON_CONTEXT_RETURN"
	defaultSingleTimelineContext = "main"
)

var maxUint128 = func() *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), 128)
	return v.Sub(v, big.NewInt(1))
}()

// ContextEvent is one EventRecord stamped with its owning context and
// ordering position.
type ContextEvent struct {
	Context               ContextId
	GlobalOrdering        *big.Int
	Record                *eventrecord.EventRecord
	AddPreviousEventNonce bool
}

// ActiveContext is the result of processing one input record: normally a
// single ContextEvent, but two when a synthetic AUXON_CONTEXT_RETURN event
// had to be emitted first.
type ActiveContext struct {
	Events []ContextEvent
}

// ContextManager tracks the active context stack and every timeline it has
// allocated, turning each incoming EventRecord into one or more
// ContextEvents.
type ContextManager struct {
	cfg                  *config.Config
	commonTimelineAttrs  map[string]eventrecord.AttrVal
	logger               *slog.Logger
	globalOrdering       *big.Int
	eventCounter         uint64
	lastTimestamp        *uint64
	integrationVersion   *uint16
	pendingInteraction   *interactionSource
	contextStack         []ContextId
	contextsToTimelines  map[ContextId]*TimelineMeta
}

// New constructs a ContextManager. The manager keeps its own copy of *cfg
// and mutates only that copy (e.g. downgrading RtosMode to RtosModeNone on
// framing failure); the caller's Config is left unchanged.
func New(cfg *config.Config, commonTimelineAttrs map[string]eventrecord.AttrVal, logger *slog.Logger) *ContextManager {
	if logger == nil {
		logger = slog.Default()
	}
	cp := *cfg
	logger.Debug("starting context manager", "rtos_mode", string(cp.RtosMode))
	return &ContextManager{
		cfg:                 &cp,
		commonTimelineAttrs: commonTimelineAttrs,
		logger:              logger,
		globalOrdering:      big.NewInt(0),
		contextsToTimelines: map[ContextId]*TimelineMeta{},
	}
}

// TimelineMeta returns the timeline metadata for a context, failing with
// ErrContextManagerInternalState if the context was never allocated.
func (m *ContextManager) TimelineMeta(ctxID ContextId) (*TimelineMeta, error) {
	tl, ok := m.contextsToTimelines[ctxID]
	if !ok {
		return nil, ErrContextManagerInternalState
	}
	return tl, nil
}

// ProcessRecord consumes one decoded EventRecord, stamps it with ordering
// and nonce bookkeeping, and routes it to the active context.
func (m *ContextManager) ProcessRecord(ev *eventrecord.EventRecord) (*ActiveContext, error) {
	m.globalOrdering = saturatingAddBig(m.globalOrdering, 1, maxUint128)
	m.eventCounter = saturatingAddU64(m.eventCounter, 1)
	ev.InsertAttr(eventrecord.InternalAttrKey("event_counter"), eventrecord.Integer(int64(m.eventCounter)))

	curT, curOK := ev.TimestampRaw()
	switch {
	case m.lastTimestamp != nil && curOK:
		if curT < *m.lastTimestamp {
			m.logger.Warn("event record has a timestamp that went backwards, timestamp rollover possible")
		}
		t := curT
		m.lastTimestamp = &t
	case m.lastTimestamp == nil && curOK:
		t := curT
		m.lastTimestamp = &t
	case m.lastTimestamp != nil && !curOK:
		m.logger.Warn("current event record doesn't have a timestamp when the previous record did", "last_timestamp", *m.lastTimestamp)
	}

	if m.cfg.RtosMode == config.RtosModeRtic1 {
		return m.processRtic1(ev)
	}
	return m.processNone(ev)
}

func (m *ContextManager) processNone(ev *eventrecord.EventRecord) (*ActiveContext, error) {
	if m.eventCounter == 1 {
		ctxName := m.cfg.InitTaskName
		if ctxName == "" {
			ctxName = defaultSingleTimelineContext
		}
		ctxID := m.allocContext(ctxName)
		m.contextStack = append(m.contextStack, ctxID)
	}

	activeCtxID, err := m.activeContext()
	if err != nil {
		return nil, err
	}
	timeline, err := m.TimelineMeta(activeCtxID)
	if err != nil {
		return nil, err
	}
	timeline.IncrementNonce()
	ev.AddInternalNonce(timeline.Nonce)

	return &ActiveContext{Events: []ContextEvent{{
		Context:        activeCtxID,
		GlobalOrdering: new(big.Int).Set(m.globalOrdering),
		Record:         ev,
	}}}, nil
}

func (m *ContextManager) allocContext(ctxName string) ContextId {
	ctxID := contextID(ctxName)
	if _, ok := m.contextsToTimelines[ctxID]; ok {
		return ctxID
	}
	tl := newTimelineMeta(ctxName, ctxID)
	if m.integrationVersion != nil {
		tl.InsertAttr(TimelineInternalAttrKey("integration_version"), eventrecord.Integer(int64(*m.integrationVersion)))
	}
	tl.InsertAttr(TimelineInternalAttrKey("rtos_mode"), eventrecord.String(string(m.cfg.RtosMode)))
	// Attributes set above win over configured additional attributes; only
	// configured override attributes replace them.
	overrides := map[string]struct{}{}
	for _, kv := range m.cfg.OverrideTimelineAttrs {
		k := kv.Key
		if !strings.HasPrefix(k, timelineAttrKeyPrefix) {
			k = TimelineAttrKey(k)
		}
		overrides[k] = struct{}{}
	}
	for k, v := range m.commonTimelineAttrs {
		if _, coreSet := tl.Attributes[k]; coreSet {
			if _, overridden := overrides[k]; !overridden {
				continue
			}
		}
		tl.InsertAttr(k, v)
	}
	m.contextsToTimelines[ctxID] = tl
	return ctxID
}

func (m *ContextManager) activeContext() (ContextId, error) {
	if len(m.contextStack) == 0 {
		return 0, ErrContextManagerInternalState
	}
	return m.contextStack[len(m.contextStack)-1], nil
}

// pushContext records the interaction leaving the current top-of-stack
// context, then makes ctxID the new active context.
func (m *ContextManager) pushContext(ctxID ContextId) (interactionSource, error) {
	activeCtxID, err := m.activeContext()
	if err != nil {
		return interactionSource{}, err
	}
	activeTimeline, err := m.TimelineMeta(activeCtxID)
	if err != nil {
		return interactionSource{}, err
	}
	interaction := activeTimeline.InteractionSource()
	activeTimeline.RequiresSyntheticInteractionEvent = false

	m.contextStack = append(m.contextStack, ctxID)
	m.logger.Debug("push context", "ctx_id", uint64(ctxID), "stack_size", len(m.contextStack))
	return interaction, nil
}

// popContext pops the active context off the stack, returning the
// interaction source the next event on the newly active context should
// carry. A nil result (with no error) means we are back on the root
// context, which happens when processing started mid-stream.
func (m *ContextManager) popContext() (*interactionSource, error) {
	if len(m.contextStack) == 1 {
		if m.integrationVersion != nil {
			m.logger.Warn("the target should never emit a context exit event from the initial task")
		}
		return nil, nil
	}

	ctxID := m.contextStack[len(m.contextStack)-1]
	m.contextStack = m.contextStack[:len(m.contextStack)-1]

	timeline, err := m.TimelineMeta(ctxID)
	if err != nil {
		return nil, err
	}
	timeline.RequiresSyntheticInteractionEvent = false
	pending := timeline.NextInteractionSource()

	activeCtxID, err := m.activeContext()
	if err != nil {
		return nil, err
	}
	activeTimeline, err := m.TimelineMeta(activeCtxID)
	if err != nil {
		return nil, err
	}
	activeTimeline.RequiresSyntheticInteractionEvent = true

	m.logger.Debug("pop context", "active_ctx_id", uint64(activeCtxID), "prev_ctx_id", uint64(ctxID), "stack_size", len(m.contextStack))
	return &pending, nil
}

func saturatingAddBig(v *big.Int, delta int64, max *big.Int) *big.Int {
	sum := new(big.Int).Add(v, big.NewInt(delta))
	if sum.Cmp(max) > 0 {
		return new(big.Int).Set(max)
	}
	return sum
}

func saturatingAddU64(v uint64, delta uint64) uint64 {
	sum := v + delta
	if sum < v {
		return ^uint64(0)
	}
	return sum
}
