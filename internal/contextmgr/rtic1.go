package contextmgr

import (
	"math/big"

	"github.com/auxoncorp/modality-defmt-plugins/internal/config"
	"github.com/auxoncorp/modality-defmt-plugins/internal/eventrecord"
)

// RTIC1 framing event names recognized in the context manager's rtic1 mode.
const (
	rtic1TraceStart = "AUXON_TRACE_START"
	rtic1TaskEnter  = "AUXON_TASK_ENTER"
	rtic1TaskExit   = "AUXON_TASK_EXIT"
	rtic1IsrEnter   = "AUXON_INTERRUPT_ENTER"
	rtic1IsrExit    = "AUXON_INTERRUPT_EXIT"
)

func (m *ContextManager) processRtic1(ev *eventrecord.EventRecord) (*ActiveContext, error) {
	var events []ContextEvent

	if m.eventCounter == 1 && m.integrationVersion == nil {
		startEventValid := true
		eventName, hasName := ev.EventName()
		_, hasTask := ev.TaskName()
		_, hasVersion := ev.IntegrationVersion()

		if !hasName || eventName != rtic1TraceStart {
			m.logger.Warn("missing start event, disabling RTOS mode", "expected_event", rtic1TraceStart)
			startEventValid = false
		}
		if !hasTask {
			m.logger.Warn("start event is missing the task name parameter, disabling RTOS mode")
			startEventValid = false
		}
		if !hasVersion {
			m.logger.Warn("start event is missing the version parameter, disabling RTOS mode")
			startEventValid = false
		}

		if !startEventValid {
			m.cfg.RtosMode = config.RtosModeNone
			ctxID := m.allocContext(unknownContext)
			m.contextStack = append(m.contextStack, ctxID)
			events = append(events, ContextEvent{
				Context:        ctxID,
				GlobalOrdering: new(big.Int).Set(m.globalOrdering),
				Record:         ev,
			})
			return &ActiveContext{Events: events}, nil
		}
	}

	eventName, hasEventName := ev.EventName()
	taskOrIsrName, hasTaskOrIsr := ev.TaskName()
	if !hasTaskOrIsr {
		taskOrIsrName, hasTaskOrIsr = ev.IsrName()
	}

	var activeCtxID ContextId
	var pendingInteraction *interactionSource

	switch {
	case hasEventName && hasTaskOrIsr && (eventName == rtic1TaskEnter || eventName == rtic1IsrEnter):
		ctxID := m.allocContext(taskOrIsrName)

		curActiveCtxID, aerr := m.activeContext()
		if aerr != nil {
			return nil, aerr
		}
		activeTimeline, terr := m.TimelineMeta(curActiveCtxID)
		if terr != nil {
			return nil, terr
		}

		if activeTimeline.RequiresSyntheticInteractionEvent {
			activeTimeline.RequiresSyntheticInteractionEvent = false

			synRecord := eventrecord.New()
			synRecord.InsertAttr(eventrecord.AttrKey("name"), eventrecord.String(syntheticInteractionEvent))
			synRecord.InsertAttr(eventrecord.InternalAttrKey("synthetic"), eventrecord.Bool(true))
			activeTimeline.IncrementNonce()
			synRecord.AddInternalNonce(activeTimeline.Nonce)

			if ts, ok := ev.Get(eventrecord.AttrKey("timestamp")); ok {
				synRecord.InsertAttr(eventrecord.AttrKey("timestamp"), ts)
			}

			addPrevNonce := !m.cfg.DisableInteractions
			if m.pendingInteraction != nil {
				pi := *m.pendingInteraction
				m.pendingInteraction = nil
				synRecord.AddInteraction(!m.cfg.DisableInteractions, pi.TimelineID, pi.Nonce)
			} else {
				m.logger.Warn("missing expected pending interaction for synthetic event")
				addPrevNonce = false
			}

			events = append(events, ContextEvent{
				Context:               curActiveCtxID,
				GlobalOrdering:        new(big.Int).Set(m.globalOrdering),
				Record:                synRecord,
				AddPreviousEventNonce: addPrevNonce,
			})
			m.globalOrdering = saturatingAddBig(m.globalOrdering, 1, maxUint128)
		}

		interaction, perr := m.pushContext(ctxID)
		if perr != nil {
			return nil, perr
		}
		activeCtxID = ctxID
		pendingInteraction = &interaction

	case hasEventName && (eventName == rtic1TaskExit || eventName == rtic1IsrExit):
		ctxID, aerr := m.activeContext()
		if aerr != nil {
			return nil, aerr
		}
		pendingForThis := m.pendingInteraction
		m.pendingInteraction = nil

		popped, perr := m.popContext()
		if perr != nil {
			return nil, perr
		}
		m.pendingInteraction = popped

		activeCtxID = ctxID
		pendingInteraction = pendingForThis

	case hasEventName && eventName == rtic1TraceStart && hasTaskOrIsr && m.eventCounter == 1:
		version, _ := ev.IntegrationVersion()
		m.logger.Debug("found start event", "version", version, "task_name", taskOrIsrName)
		v := version
		m.integrationVersion = &v

		initTaskName := m.cfg.InitTaskName
		if initTaskName == "" {
			initTaskName = taskOrIsrName
		}
		ctxID := m.allocContext(initTaskName)
		m.contextStack = append(m.contextStack, ctxID)
		activeCtxID = ctxID

	default:
		if hasEventName && (eventName == rtic1TaskEnter || eventName == rtic1IsrEnter) {
			m.logger.Warn("context enter event is missing the task/isr name parameter, disabling RTOS mode")
			m.cfg.RtosMode = config.RtosModeNone
			ctxID := m.allocContext(unknownContext)
			m.contextStack = append(m.contextStack, ctxID)
			m.pendingInteraction = nil
		}

		curActiveCtxID, aerr := m.activeContext()
		if aerr != nil {
			return nil, aerr
		}
		activeTimeline, terr := m.TimelineMeta(curActiveCtxID)
		if terr != nil {
			return nil, terr
		}
		activeTimeline.RequiresSyntheticInteractionEvent = false

		activeCtxID = curActiveCtxID
		pendingInteraction = m.pendingInteraction
		m.pendingInteraction = nil
	}

	activeTimeline, err := m.TimelineMeta(activeCtxID)
	if err != nil {
		return nil, err
	}
	activeTimeline.IncrementNonce()
	ev.AddInternalNonce(activeTimeline.Nonce)

	addPreviousEventNonce := false
	if pendingInteraction != nil {
		ev.AddInteraction(!m.cfg.DisableInteractions, pendingInteraction.TimelineID, pendingInteraction.Nonce)
		addPreviousEventNonce = !m.cfg.DisableInteractions
	}

	events = append(events, ContextEvent{
		Context:               activeCtxID,
		GlobalOrdering:        new(big.Int).Set(m.globalOrdering),
		Record:                ev,
		AddPreviousEventNonce: addPreviousEventNonce,
	})

	return &ActiveContext{Events: events}, nil
}
