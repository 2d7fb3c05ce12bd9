package syncer

import (
	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/notify"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/push"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/reconcile"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/remote"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
	"go.uber.org/zap"
)

// ChangeKindTyping is the transient typing indicator fanned out to facade
// subscribers without touching the store.
const ChangeKindTyping = "typing"

// handleFrame routes one inbound push frame to the same merge logic pulls
// use, plus gated local-notification side effects.
func (s *Scheduler) handleFrame(scenarioID string, frame push.Frame) {
	switch frame.Event {
	case push.EventMessageCreated:
		message, err := remote.DecodeMessage(frame.Payload)
		if err != nil || message.ID == "" {
			s.logger.Debug("message frame discarded", zap.Error(err))
			return
		}
		s.applyConfirmedMessage(scenarioID, message, frame.NotifiedByPush)
	case push.EventConversationCreated:
		conversation, err := remote.DecodeConversation(frame.Payload)
		if err != nil || conversation.ID == "" {
			s.logger.Debug("conversation frame discarded", zap.Error(err))
			return
		}
		s.applyConversationCreated(scenarioID, conversation)
	case push.EventMentionCreated:
		s.applyMention(scenarioID, frame)
	case push.EventTyping:
		// Not stored; surfaced to facade subscribers only.
		s.publish(scenarioID, ChangeKindTyping)
	default:
		s.logger.Debug("unhandled push event", zap.String("event", frame.Event))
	}
}

func (s *Scheduler) applyConfirmedMessage(scenarioID string, message entity.Message, notifiedByPush bool) {
	if message.ScenarioID == "" {
		message.ScenarioID = scenarioID
	}
	var outcome reconcile.Outcome
	var senderOwner string
	var prefs entity.NotificationPrefs
	if _, err := s.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot, outcome = reconcile.ApplyConfirmedMessage(snapshot, message, s.reconcile)
		if sender, ok := snapshot.Profiles[message.SenderProfileID]; ok {
			senderOwner = sender.OwnerUserID
		}
		prefs = snapshot.NotificationPrefs[scenarioID]
		return snapshot
	}); err != nil {
		s.logger.Warn("push message merge failed", zap.String("scenario_id", scenarioID), zap.Error(err))
		return
	}
	if !outcome.Applied {
		s.logger.Debug("confirmed message for unknown conversation dropped",
			zap.String("conversation_id", message.ConversationID))
		return
	}
	s.publish(scenarioID, store.ChangeKindMessage, message.ID)
	s.maybeNotifyMessage(scenarioID, message, senderOwner, prefs, notifiedByPush, outcome)
}

// maybeNotifyMessage synthesizes a local notification for an inbound message
// unless any gate suppresses it: the push service already notified, the
// conversation or scenario is on screen, the scenario is muted, the sender is
// one of the viewing user's own profiles, or the message only confirmed a
// provisional send of ours.
func (s *Scheduler) maybeNotifyMessage(scenarioID string, message entity.Message, senderOwner string, prefs entity.NotificationPrefs, notifiedByPush bool, outcome reconcile.Outcome) {
	if notifiedByPush {
		return
	}
	if outcome.RetiredProvisionalID != "" {
		return
	}
	if s.session.ViewingConversation(message.ConversationID) {
		return
	}
	if prefs.MutedAt(s.clock().UTC().Unix()) {
		return
	}
	if senderOwner != "" && senderOwner == s.userID {
		return
	}
	body := message.Text
	if body == "" && len(message.ImageURLs) > 0 {
		body = "Sent an image"
	}
	s.notifier.Notify(notify.Notification{
		ScenarioID:     scenarioID,
		ConversationID: message.ConversationID,
		Title:          "New message",
		Body:           body,
	})
}

func (s *Scheduler) applyConversationCreated(scenarioID string, conversation entity.Conversation) {
	if conversation.ScenarioID == "" {
		conversation.ScenarioID = scenarioID
	}
	if _, err := s.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		return mergeConversation(snapshot, conversation)
	}); err != nil {
		s.logger.Warn("push conversation merge failed", zap.String("scenario_id", scenarioID), zap.Error(err))
		return
	}
	s.publish(scenarioID, store.ChangeKindConversation, conversation.ID)
}

// applyMention is notification-only; the mentioning post arrives through the
// regular post pull.
func (s *Scheduler) applyMention(scenarioID string, frame push.Frame) {
	if frame.NotifiedByPush {
		return
	}
	if s.session.ViewingScenario(scenarioID) {
		return
	}
	snapshot := s.store.Read()
	if snapshot.NotificationPrefs[scenarioID].MutedAt(s.clock().UTC().Unix()) {
		return
	}
	s.notifier.Notify(notify.Notification{
		ScenarioID: scenarioID,
		Title:      "You were mentioned",
	})
}
