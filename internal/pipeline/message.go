package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
)

const (
	opCreateConversation = "pipeline.create_conversation"
	opSendMessage        = "pipeline.send_message"
	opResendMessage      = "pipeline.resend_message"
)

var (
	errConversationNotFound = errors.New("conversation not found")
	errMessageNotFound      = errors.New("message not found")
	errNotParticipant       = errors.New("sender is not a conversation participant")
	errEmptyMessage         = errors.New("message requires text or images")
	errNotFailed            = errors.New("only failed messages can be re-sent")
	errTooFewParticipants   = errors.New("a conversation needs at least two participants")
)

// CreateConversation opens a direct-message thread between scenario profiles.
// Participant order is preserved and duplicates are dropped.
func (p *Pipeline) CreateConversation(ctx context.Context, scenarioID string, participantProfileIDs []string) (entity.Conversation, error) {
	deduped := dedupePreservingOrder(participantProfileIDs)
	if len(deduped) < 2 {
		return entity.Conversation{}, newServiceError(opCreateConversation, "too_few_participants", errTooFewParticipants)
	}

	id, err := p.newID(opCreateConversation)
	if err != nil {
		return entity.Conversation{}, err
	}
	conversation := entity.Conversation{
		ID:                    id,
		ScenarioID:            scenarioID,
		ParticipantProfileIDs: deduped,
		MessageIDs:            []string{},
		CreatedAt:             p.now(),
		UpdatedAt:             p.now(),
	}

	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		if _, ok := snapshot.Scenarios[scenarioID]; !ok {
			conflict = errScenarioNotFound
			return snapshot
		}
		for _, profileID := range deduped {
			profile, ok := snapshot.Profiles[profileID]
			if !ok || profile.ScenarioID != scenarioID {
				conflict = errProfileNotFound
				return snapshot
			}
		}
		snapshot.Conversations[conversation.ID] = conversation
		return snapshot
	}); err != nil {
		return entity.Conversation{}, newServiceError(opCreateConversation, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errScenarioNotFound):
		return entity.Conversation{}, newServiceError(opCreateConversation, "scenario_not_found", conflict)
	case conflict != nil:
		return entity.Conversation{}, newServiceError(opCreateConversation, "profile_not_found", conflict)
	}
	p.publish(scenarioID, store.ChangeKindConversation, conversation.ID)

	if !p.Networked() {
		return conversation, nil
	}

	authoritative, err := p.remote.CreateConversation(ctx, conversation)
	if err != nil {
		if _, rollbackErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			delete(snapshot.Conversations, conversation.ID)
			return snapshot
		}); rollbackErr != nil {
			p.logError(opCreateConversation, "rollback_failed", rollbackErr, scenarioField(scenarioID))
		}
		p.publish(scenarioID, store.ChangeKindConversation, conversation.ID)
		return entity.Conversation{}, newServiceError(opCreateConversation, "remote_failed", err)
	}
	if authoritative.ID == "" {
		authoritative = conversation
	}
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		if authoritative.ID != conversation.ID {
			delete(snapshot.Conversations, conversation.ID)
		}
		if authoritative.MessageIDs == nil {
			authoritative.MessageIDs = []string{}
		}
		snapshot.Conversations[authoritative.ID] = authoritative
		return snapshot
	}); err != nil {
		p.logError(opCreateConversation, "echo_merge_failed", err, scenarioField(scenarioID))
	}
	p.publish(scenarioID, store.ChangeKindConversation, authoritative.ID)
	return authoritative, nil
}

// SendMessage inserts a provisional message immediately and delivers it
// remotely when networked. The HTTP response only acknowledges acceptance;
// the authoritative record arrives over the push channel and is swapped in by
// the reconciler. A failed send stays in the conversation marked failed until
// the user re-sends it; there is no automatic retry.
func (p *Pipeline) SendMessage(ctx context.Context, conversationID, senderProfileID, text string, imageURLs []string) (entity.Message, error) {
	if strings.TrimSpace(text) == "" && len(imageURLs) == 0 {
		return entity.Message{}, newServiceError(opSendMessage, "empty_message", errEmptyMessage)
	}
	if p.Networked() {
		if err := entity.ValidateID(conversationID); err != nil {
			return entity.Message{}, newServiceError(opSendMessage, "invalid_conversation_id", err)
		}
		if err := entity.ValidateID(senderProfileID); err != nil {
			return entity.Message{}, newServiceError(opSendMessage, "invalid_sender_id", err)
		}
	}

	id, err := p.newID(opSendMessage)
	if err != nil {
		return entity.Message{}, err
	}
	message := entity.Message{
		ID:              id,
		ConversationID:  conversationID,
		SenderProfileID: senderProfileID,
		Text:            text,
		ImageURLs:       imageURLs,
		CreatedAt:       p.now(),
	}
	if p.Networked() {
		message.ClientStatus = entity.ClientStatusSending
	}

	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		conversation, ok := snapshot.Conversations[conversationID]
		if !ok {
			conflict = errConversationNotFound
			return snapshot
		}
		if !conversation.HasParticipant(senderProfileID) {
			conflict = errNotParticipant
			return snapshot
		}
		message.ScenarioID = conversation.ScenarioID
		snapshot.Messages[message.ID] = message
		conversation.MessageIDs = append(conversation.MessageIDs, message.ID)
		conversation.UpdatedAt = p.now()
		snapshot.Conversations[conversationID] = conversation
		return snapshot
	}); err != nil {
		return entity.Message{}, newServiceError(opSendMessage, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errConversationNotFound):
		return entity.Message{}, newServiceError(opSendMessage, "conversation_not_found", conflict)
	case conflict != nil:
		return entity.Message{}, newServiceError(opSendMessage, "not_participant", conflict)
	}
	p.publish(message.ScenarioID, store.ChangeKindMessage, message.ID)

	if !p.Networked() {
		return message, nil
	}

	if err := p.remote.SendMessage(ctx, message); err != nil {
		failed := p.markMessageFailed(message.ID, err)
		p.logError(opSendMessage, "remote_failed", err, scenarioField(message.ScenarioID))
		return failed, newServiceError(opSendMessage, "remote_failed", err)
	}
	return message, nil
}

// ResendMessage re-issues a failed send. The message keeps its provisional id
// so the reconciler can still retire it when the confirmation lands.
func (p *Pipeline) ResendMessage(ctx context.Context, messageID string) (entity.Message, error) {
	var message entity.Message
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		stored, ok := snapshot.Messages[messageID]
		if !ok {
			conflict = errMessageNotFound
			return snapshot
		}
		if stored.ClientStatus != entity.ClientStatusFailed {
			conflict = errNotFailed
			return snapshot
		}
		stored.ClientStatus = entity.ClientStatusSending
		stored.ClientError = ""
		snapshot.Messages[messageID] = stored
		message = stored
		return snapshot
	}); err != nil {
		return entity.Message{}, newServiceError(opResendMessage, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errMessageNotFound):
		return entity.Message{}, newServiceError(opResendMessage, "not_found", conflict)
	case conflict != nil:
		return entity.Message{}, newServiceError(opResendMessage, "not_failed", conflict)
	}
	p.publish(message.ScenarioID, store.ChangeKindMessage, message.ID)

	if !p.Networked() {
		// Without a remote there is nothing to deliver; treat as confirmed.
		if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			stored, ok := snapshot.Messages[messageID]
			if ok {
				stored.ClientStatus = ""
				snapshot.Messages[messageID] = stored
			}
			return snapshot
		}); err != nil {
			p.logError(opResendMessage, "store_update_failed", err, scenarioField(message.ScenarioID))
		}
		return message, nil
	}

	if err := p.remote.SendMessage(ctx, message); err != nil {
		failed := p.markMessageFailed(message.ID, err)
		p.logError(opResendMessage, "remote_failed", err, scenarioField(message.ScenarioID))
		return failed, newServiceError(opResendMessage, "remote_failed", err)
	}
	return message, nil
}

func (p *Pipeline) markMessageFailed(messageID string, cause error) entity.Message {
	var failed entity.Message
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		message, ok := snapshot.Messages[messageID]
		if !ok {
			return snapshot
		}
		message.ClientStatus = entity.ClientStatusFailed
		message.ClientError = cause.Error()
		snapshot.Messages[messageID] = message
		failed = message
		return snapshot
	}); err != nil {
		p.logError(opSendMessage, "mark_failed_failed", err)
	}
	p.publish(failed.ScenarioID, store.ChangeKindMessage, messageID)
	return failed
}

func dedupePreservingOrder(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
