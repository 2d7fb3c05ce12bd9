package entity

import "strings"

// SnapshotVersion is the current persisted snapshot format version. Version 4
// embedded liked-post-id lists inside profiles; version 5 normalizes them
// into discrete Like edges.
const SnapshotVersion = 5

// Snapshot is the full in-memory entity state. The store exclusively owns the
// committed snapshot; callers receive deep copies and never mutate shared
// records in place.
type Snapshot struct {
	Version                   int                          `json:"version"`
	Scenarios                 map[string]Scenario          `json:"scenarios"`
	Profiles                  map[string]Profile           `json:"profiles"`
	Posts                     map[string]Post              `json:"posts"`
	Reposts                   map[string]Repost            `json:"reposts"`
	Likes                     map[string]Like              `json:"likes"`
	Sheets                    map[string]CharacterSheet    `json:"sheets"`
	Conversations             map[string]Conversation      `json:"conversations"`
	Messages                  map[string]Message           `json:"messages"`
	GlobalTags                map[string]GlobalTag         `json:"globalTags"`
	ScenarioTags              map[string]ScenarioTag       `json:"scenarioTags"`
	SelectedProfileByScenario map[string]string            `json:"selectedProfileByScenario"`
	NotificationPrefs         map[string]NotificationPrefs `json:"scenarioNotificationPrefsByScenarioId"`
}

// NewSnapshot returns an empty snapshot at the current version.
func NewSnapshot() Snapshot {
	return Snapshot{
		Version:                   SnapshotVersion,
		Scenarios:                 map[string]Scenario{},
		Profiles:                  map[string]Profile{},
		Posts:                     map[string]Post{},
		Reposts:                   map[string]Repost{},
		Likes:                     map[string]Like{},
		Sheets:                    map[string]CharacterSheet{},
		Conversations:             map[string]Conversation{},
		Messages:                  map[string]Message{},
		GlobalTags:                map[string]GlobalTag{},
		ScenarioTags:              map[string]ScenarioTag{},
		SelectedProfileByScenario: map[string]string{},
		NotificationPrefs:         map[string]NotificationPrefs{},
	}
}

// RepostKey builds the edge key enforcing at most one repost per (profile, post).
func RepostKey(profileID, postID string) string {
	return profileID + "|" + postID
}

// LikeKey builds the edge key enforcing at most one like per (scenario, profile, post).
func LikeKey(scenarioID, profileID, postID string) string {
	return scenarioID + "|" + profileID + "|" + postID
}

// ScenarioTagKey scopes a tag reference to one scenario.
func ScenarioTagKey(scenarioID, tagKey string) string {
	return scenarioID + "|" + tagKey
}

// NormalizeTagKey lowercases and trims a display tag into its registry key.
func NormalizeTagKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Clone returns a deep copy of the snapshot. Mutation callbacks operate on a
// clone so a failed transaction never leaks partial writes into the committed
// state.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Version:                   s.Version,
		Scenarios:                 make(map[string]Scenario, len(s.Scenarios)),
		Profiles:                  make(map[string]Profile, len(s.Profiles)),
		Posts:                     make(map[string]Post, len(s.Posts)),
		Reposts:                   make(map[string]Repost, len(s.Reposts)),
		Likes:                     make(map[string]Like, len(s.Likes)),
		Sheets:                    make(map[string]CharacterSheet, len(s.Sheets)),
		Conversations:             make(map[string]Conversation, len(s.Conversations)),
		Messages:                  make(map[string]Message, len(s.Messages)),
		GlobalTags:                make(map[string]GlobalTag, len(s.GlobalTags)),
		ScenarioTags:              make(map[string]ScenarioTag, len(s.ScenarioTags)),
		SelectedProfileByScenario: make(map[string]string, len(s.SelectedProfileByScenario)),
		NotificationPrefs:         make(map[string]NotificationPrefs, len(s.NotificationPrefs)),
	}
	for key, value := range s.Scenarios {
		value.PlayerUserIDs = copyStrings(value.PlayerUserIDs)
		value.GMUserIDs = copyStrings(value.GMUserIDs)
		value.TagKeys = copyStrings(value.TagKeys)
		if value.Settings != nil {
			settings := *value.Settings
			settings.PinnedPostIDs = copyStrings(settings.PinnedPostIDs)
			value.Settings = &settings
		}
		out.Scenarios[key] = value
	}
	for key, value := range s.Profiles {
		out.Profiles[key] = value
	}
	for key, value := range s.Posts {
		value.ImageURLs = copyStrings(value.ImageURLs)
		if value.Meta != nil {
			meta := *value.Meta
			if meta.Data != nil {
				data := make(map[string]any, len(meta.Data))
				for k, v := range meta.Data {
					data[k] = v
				}
				meta.Data = data
			}
			value.Meta = &meta
		}
		out.Posts[key] = value
	}
	for key, value := range s.Reposts {
		out.Reposts[key] = value
	}
	for key, value := range s.Likes {
		out.Likes[key] = value
	}
	for key, value := range s.Sheets {
		value.Stats = copyIntMap(value.Stats)
		value.Inventory = copyStrings(value.Inventory)
		value.Equipment = copyStrings(value.Equipment)
		value.Spells = copyStrings(value.Spells)
		value.Abilities = copyStrings(value.Abilities)
		out.Sheets[key] = value
	}
	for key, value := range s.Conversations {
		value.ParticipantProfileIDs = copyStrings(value.ParticipantProfileIDs)
		value.MessageIDs = copyStrings(value.MessageIDs)
		out.Conversations[key] = value
	}
	for key, value := range s.Messages {
		value.ImageURLs = copyStrings(value.ImageURLs)
		out.Messages[key] = value
	}
	for key, value := range s.GlobalTags {
		out.GlobalTags[key] = value
	}
	for key, value := range s.ScenarioTags {
		out.ScenarioTags[key] = value
	}
	for key, value := range s.SelectedProfileByScenario {
		out.SelectedProfileByScenario[key] = value
	}
	for key, value := range s.NotificationPrefs {
		out.NotificationPrefs[key] = value
	}
	return out
}

// ProfileByHandle finds a scenario's profile by case-insensitive handle.
func (s Snapshot) ProfileByHandle(scenarioID, handle string) (Profile, bool) {
	lowered := strings.ToLower(handle)
	for _, profile := range s.Profiles {
		if profile.ScenarioID == scenarioID && strings.ToLower(profile.Handle) == lowered {
			return profile, true
		}
	}
	return Profile{}, false
}

// PruneScenario removes a scenario and its whole subgraph. It returns the
// modified snapshot for chaining inside update callbacks.
func (s Snapshot) PruneScenario(scenarioID string) Snapshot {
	delete(s.Scenarios, scenarioID)
	for key, profile := range s.Profiles {
		if profile.ScenarioID == scenarioID {
			delete(s.Profiles, key)
		}
	}
	for key, post := range s.Posts {
		if post.ScenarioID == scenarioID {
			delete(s.Posts, key)
		}
	}
	for key, repost := range s.Reposts {
		if repost.ScenarioID == scenarioID {
			delete(s.Reposts, key)
		}
	}
	for key, like := range s.Likes {
		if like.ScenarioID == scenarioID {
			delete(s.Likes, key)
		}
	}
	for key, sheet := range s.Sheets {
		if sheet.ScenarioID == scenarioID {
			delete(s.Sheets, key)
		}
	}
	for key, conversation := range s.Conversations {
		if conversation.ScenarioID == scenarioID {
			delete(s.Conversations, key)
		}
	}
	for key, message := range s.Messages {
		if message.ScenarioID == scenarioID {
			delete(s.Messages, key)
		}
	}
	for key, tag := range s.ScenarioTags {
		if tag.ScenarioID == scenarioID {
			delete(s.ScenarioTags, key)
		}
	}
	delete(s.SelectedProfileByScenario, scenarioID)
	delete(s.NotificationPrefs, scenarioID)
	return s
}

// PrunePost removes a post with its repost and like edges, detaches reply and
// quote references pointing at it, and decrements the parent's reply counter.
func (s Snapshot) PrunePost(postID string) Snapshot {
	removed, ok := s.Posts[postID]
	if !ok {
		return s
	}
	delete(s.Posts, postID)
	if removed.ParentPostID != "" {
		if parent, ok := s.Posts[removed.ParentPostID]; ok {
			parent.ReplyCount = clampCount(parent.ReplyCount - 1)
			s.Posts[removed.ParentPostID] = parent
		}
	}
	for key, repost := range s.Reposts {
		if repost.PostID == postID {
			delete(s.Reposts, key)
		}
	}
	for key, like := range s.Likes {
		if like.PostID == postID {
			delete(s.Likes, key)
		}
	}
	for key, post := range s.Posts {
		changed := false
		if post.ParentPostID == postID {
			post.ParentPostID = ""
			changed = true
		}
		if post.QuotedPostID == postID {
			post.QuotedPostID = ""
			changed = true
		}
		if changed {
			s.Posts[key] = post
		}
	}
	return s
}

func clampCount(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

func copyStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func copyIntMap(values map[string]int) map[string]int {
	if values == nil {
		return nil
	}
	out := make(map[string]int, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
