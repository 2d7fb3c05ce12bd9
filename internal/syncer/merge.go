package syncer

import (
	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/reconcile"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
	"go.uber.org/zap"
)

// mergeScenarios upserts pulled scenario records. The pull may be filtered
// server-side, so records absent from the response are left alone.
func (s *Scheduler) mergeScenarios(scenarios []entity.Scenario) {
	if len(scenarios) == 0 {
		return
	}
	ids := make([]string, 0, len(scenarios))
	if _, err := s.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		for _, scenario := range scenarios {
			if scenario.ID == "" {
				continue
			}
			snapshot.Scenarios[scenario.ID] = scenario
			ids = append(ids, scenario.ID)
		}
		return snapshot
	}); err != nil {
		s.logger.Warn("scenario merge failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		s.publish(id, store.ChangeKindScenario, id)
	}
}

// mergeScenarioPull applies one scenario sync. The profile response is
// authoritative and complete for the scenario, so local profiles missing from
// it are dropped; posts and conversations merge by upsert to stay resilient
// to partial responses.
func (s *Scheduler) mergeScenarioPull(scenarioID string, profiles []entity.Profile, posts []entity.Post, conversations []entity.Conversation) {
	if _, err := s.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		pulled := make(map[string]struct{}, len(profiles))
		for _, profile := range profiles {
			if profile.ID == "" {
				continue
			}
			profile.ScenarioID = scenarioID
			snapshot.Profiles[profile.ID] = profile
			pulled[profile.ID] = struct{}{}
		}
		for key, profile := range snapshot.Profiles {
			if profile.ScenarioID != scenarioID {
				continue
			}
			if _, ok := pulled[key]; !ok {
				delete(snapshot.Profiles, key)
				delete(snapshot.Sheets, key)
			}
		}

		for _, post := range posts {
			if post.ID == "" {
				continue
			}
			post.ScenarioID = scenarioID
			snapshot.Posts[post.ID] = post
		}

		for _, conversation := range conversations {
			if conversation.ID == "" {
				continue
			}
			conversation.ScenarioID = scenarioID
			snapshot = mergeConversation(snapshot, conversation)
		}
		return snapshot
	}); err != nil {
		s.logger.Warn("scenario pull merge failed", zap.String("scenario_id", scenarioID), zap.Error(err))
		return
	}
	s.publish(scenarioID, store.ChangeKindProfile)
	s.publish(scenarioID, store.ChangeKindPost)
	s.publish(scenarioID, store.ChangeKindConversation)
}

// mergeConversation takes the authoritative record but keeps provisional
// message ids the server cannot know about yet, re-appended in local order.
func mergeConversation(snapshot entity.Snapshot, conversation entity.Conversation) entity.Snapshot {
	if conversation.MessageIDs == nil {
		conversation.MessageIDs = []string{}
	}
	if existing, ok := snapshot.Conversations[conversation.ID]; ok {
		known := make(map[string]struct{}, len(conversation.MessageIDs))
		for _, id := range conversation.MessageIDs {
			known[id] = struct{}{}
		}
		for _, id := range existing.MessageIDs {
			if _, ok := known[id]; ok {
				continue
			}
			message, ok := snapshot.Messages[id]
			if ok && message.ClientStatus != "" {
				conversation.MessageIDs = append(conversation.MessageIDs, id)
			}
		}
	}
	snapshot.Conversations[conversation.ID] = conversation
	return snapshot
}

// mergeMessages routes pulled messages through the reconciler so provisional
// sends retire instead of duplicating.
func (s *Scheduler) mergeMessages(scenarioID string, messages []entity.Message) {
	if len(messages) == 0 {
		return
	}
	ids := make([]string, 0, len(messages))
	if _, err := s.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		for _, message := range messages {
			if message.ID == "" {
				continue
			}
			var outcome reconcile.Outcome
			snapshot, outcome = reconcile.ApplyConfirmedMessage(snapshot, message, s.reconcile)
			if outcome.Applied {
				ids = append(ids, message.ID)
			}
		}
		return snapshot
	}); err != nil {
		s.logger.Warn("message merge failed", zap.String("scenario_id", scenarioID), zap.Error(err))
		return
	}
	if len(ids) > 0 {
		s.publish(scenarioID, store.ChangeKindMessage, ids...)
	}
}

// mergeSheet stores one authoritative character sheet.
func (s *Scheduler) mergeSheet(sheet entity.CharacterSheet) {
	if _, err := s.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		if _, ok := snapshot.Profiles[sheet.ProfileID]; !ok {
			return snapshot
		}
		snapshot.Sheets[sheet.ProfileID] = sheet
		return snapshot
	}); err != nil {
		s.logger.Warn("sheet merge failed", zap.String("profile_id", sheet.ProfileID), zap.Error(err))
		return
	}
	s.publish(sheet.ScenarioID, store.ChangeKindSheet, sheet.ProfileID)
}

func (s *Scheduler) publish(scenarioID, kind string, entityIDs ...string) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Publish(store.ChangeEvent{
		ScenarioID: scenarioID,
		Kind:       kind,
		EntityIDs:  entityIDs,
		Timestamp:  s.clock().UTC(),
	})
}
