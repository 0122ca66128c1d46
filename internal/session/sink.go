package session

import (
	"context"
	"encoding/json"

	"github.com/sandboxlabs/agentd/internal/errs"
	"github.com/sandboxlabs/agentd/internal/ues"
)

// sessionSink is the Session Manager's implementation of adapter.Sink: the
// narrow capability handed to each session's adapter. It is the single
// choke point where every event an adapter produces is sequenced,
// invariant-checked, logged, and broadcast, enforcing started/delta/completed
// ordering and the exactly-one-session.ended invariant instead of merely
// relaying bytes.
type sessionSink struct {
	m  *Manager
	ms *managedSession
}

// Append implements adapter.Sink.
func (s *sessionSink) Append(e ues.Event) (ues.Event, error) {
	s.ms.appendMu.Lock()

	if err := s.checkItemInvariant(e); err != nil {
		s.ms.appendMu.Unlock()
		return ues.Event{}, err
	}

	s.registerPending(e)

	escalate := false
	if e.Type == ues.TypeAgentUnparsed {
		escalate = s.trackUnparsed()
	}

	dedup, endedAlready := s.dedupSessionEnded(e)
	if endedAlready {
		s.ms.appendMu.Unlock()
		return dedup, nil
	}

	stamped := s.ms.log.append(e)
	s.ms.Session.EventCount = s.ms.log.len()
	if e.Type == ues.TypeSessionEnded {
		s.ms.Session.State = StateEnded
		s.ms.Session.EndReason = sessionEndReason(e)
	}

	s.ms.bus.Publish(stamped)

	s.ms.appendMu.Unlock()

	if escalate {
		go s.m.Terminate(context.Background(), s.ms.Session.ID, ues.EndError)
	}

	return stamped, nil
}

func sessionEndReason(e ues.Event) string {
	var p ues.SessionEndedPayload
	if json.Unmarshal(e.Payload, &p) != nil {
		return ""
	}
	return string(p.Reason)
}

// checkItemInvariant enforces that every delta and completed/failed event
// refers to an item that a started event has opened and no completion has
// yet sealed, catching adapter bugs at the point of append instead of
// letting a malformed log escape into a subscriber's stream. A second
// started event for an item id is accepted and reopens that item.
func (s *sessionSink) checkItemInvariant(e ues.Event) error {
	var itemID string
	switch e.Type {
	case ues.TypeItemStarted:
		var p ues.ItemStartedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil
		}
		itemID = p.ItemID
		s.ms.itemMu.Lock()
		s.ms.items[itemID] = &itemState{status: ItemOpen}
		s.ms.itemMu.Unlock()
		return nil
	case ues.TypeItemDelta:
		var p ues.ItemDeltaPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil
		}
		itemID = p.ItemID
	case ues.TypeItemCompleted:
		var p ues.ItemCompletedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil
		}
		itemID = p.ItemID
	default:
		return nil
	}

	s.ms.itemMu.Lock()
	defer s.ms.itemMu.Unlock()
	st, ok := s.ms.items[itemID]
	if !ok || st.status != ItemOpen {
		return errs.New(errs.Internal, "item %s: %s received outside started/completed bracket", itemID, e.Type)
	}
	if e.Type == ues.TypeItemCompleted {
		st.status = ItemSealed
	}
	return nil
}

// registerPending inserts a new pending HITL request when the adapter
// emits a question.requested or permission.requested event.
func (s *sessionSink) registerPending(e ues.Event) {
	var requestID, kind string
	switch e.Type {
	case ues.TypeQuestionRequested:
		var p ues.QuestionRequestedPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		requestID, kind = p.RequestID, "question"
	case ues.TypePermissionRequested:
		var p ues.PermissionRequestedPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		requestID, kind = p.RequestID, "permission"
	default:
		return
	}

	s.ms.pendingMu.Lock()
	defer s.ms.pendingMu.Unlock()
	s.ms.pending[requestID] = &PendingHITLRequest{
		RequestID: requestID,
		Kind:      kind,
		CreatedAt: s.m.clock.Now(),
	}
}

// trackUnparsed increments the fixed-window agent.unparsed counter (the
// window restarts at the first event after it has elapsed) and
// reports whether the configured rate threshold has now been exceeded, so
// the caller can terminate the session once parse failures come too fast.
func (s *sessionSink) trackUnparsed() bool {
	now := s.m.clock.Now()
	if s.ms.unparsedWindow.IsZero() || now.Sub(s.ms.unparsedWindow) > s.m.unparsedRateWindow {
		s.ms.unparsedWindow = now
		s.ms.unparsedCount = 0
	}
	s.ms.unparsedCount++
	return s.ms.unparsedCount > s.m.unparsedRateThreshold
}

// dedupSessionEnded enforces "after terminate, the log contains exactly
// one session.ended, and it is the last event": a second attempt to
// append session.ended returns the event already in the log instead of
// appending a duplicate.
func (s *sessionSink) dedupSessionEnded(e ues.Event) (ues.Event, bool) {
	if e.Type != ues.TypeSessionEnded {
		return ues.Event{}, false
	}
	if s.ms.Session.State != StateEnded {
		return ues.Event{}, false
	}
	last, ok := s.ms.log.last()
	if !ok {
		return ues.Event{}, false
	}
	return last, true
}
