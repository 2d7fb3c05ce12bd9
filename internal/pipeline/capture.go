package pipeline

import (
	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"go.uber.org/zap"
)

// capturedSubgraph holds the records a cascade removed, so a failed remote
// call can reinstate exactly those records without disturbing unrelated
// mutations that landed in between.
type capturedSubgraph struct {
	scenario      entity.Scenario
	profiles      map[string]entity.Profile
	posts         map[string]entity.Post
	reposts       map[string]entity.Repost
	likes         map[string]entity.Like
	sheets        map[string]entity.CharacterSheet
	conversations map[string]entity.Conversation
	messages      map[string]entity.Message
	scenarioTags  map[string]entity.ScenarioTag
	selected      string
	hasSelected   bool
	prefs         entity.NotificationPrefs
	hasPrefs      bool
}

func captureSubgraph(snapshot entity.Snapshot, scenarioID string) capturedSubgraph {
	captured := capturedSubgraph{
		scenario:      snapshot.Scenarios[scenarioID],
		profiles:      map[string]entity.Profile{},
		posts:         map[string]entity.Post{},
		reposts:       map[string]entity.Repost{},
		likes:         map[string]entity.Like{},
		sheets:        map[string]entity.CharacterSheet{},
		conversations: map[string]entity.Conversation{},
		messages:      map[string]entity.Message{},
		scenarioTags:  map[string]entity.ScenarioTag{},
	}
	for key, profile := range snapshot.Profiles {
		if profile.ScenarioID == scenarioID {
			captured.profiles[key] = profile
		}
	}
	for key, post := range snapshot.Posts {
		if post.ScenarioID == scenarioID {
			captured.posts[key] = post
		}
	}
	for key, repost := range snapshot.Reposts {
		if repost.ScenarioID == scenarioID {
			captured.reposts[key] = repost
		}
	}
	for key, like := range snapshot.Likes {
		if like.ScenarioID == scenarioID {
			captured.likes[key] = like
		}
	}
	for key, sheet := range snapshot.Sheets {
		if sheet.ScenarioID == scenarioID {
			captured.sheets[key] = sheet
		}
	}
	for key, conversation := range snapshot.Conversations {
		if conversation.ScenarioID == scenarioID {
			captured.conversations[key] = conversation
		}
	}
	for key, message := range snapshot.Messages {
		if message.ScenarioID == scenarioID {
			captured.messages[key] = message
		}
	}
	for key, tag := range snapshot.ScenarioTags {
		if tag.ScenarioID == scenarioID {
			captured.scenarioTags[key] = tag
		}
	}
	captured.selected, captured.hasSelected = snapshot.SelectedProfileByScenario[scenarioID]
	captured.prefs, captured.hasPrefs = snapshot.NotificationPrefs[scenarioID]
	return captured
}

func (p *Pipeline) restoreSubgraph(captured capturedSubgraph) {
	scenarioID := captured.scenario.ID
	if scenarioID == "" {
		return
	}
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.Scenarios[scenarioID] = captured.scenario
		for key, profile := range captured.profiles {
			snapshot.Profiles[key] = profile
		}
		for key, post := range captured.posts {
			snapshot.Posts[key] = post
		}
		for key, repost := range captured.reposts {
			snapshot.Reposts[key] = repost
		}
		for key, like := range captured.likes {
			snapshot.Likes[key] = like
		}
		for key, sheet := range captured.sheets {
			snapshot.Sheets[key] = sheet
		}
		for key, conversation := range captured.conversations {
			snapshot.Conversations[key] = conversation
		}
		for key, message := range captured.messages {
			snapshot.Messages[key] = message
		}
		for key, tag := range captured.scenarioTags {
			snapshot.ScenarioTags[key] = tag
		}
		if captured.hasSelected {
			snapshot.SelectedProfileByScenario[scenarioID] = captured.selected
		}
		if captured.hasPrefs {
			snapshot.NotificationPrefs[scenarioID] = captured.prefs
		}
		return snapshot
	}); err != nil {
		p.logError(opDeleteScenario, "rollback_failed", err, scenarioField(scenarioID))
	}
}

func scenarioField(scenarioID string) zap.Field {
	return zap.String("scenario_id", scenarioID)
}
