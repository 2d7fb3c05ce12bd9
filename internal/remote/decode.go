package remote

import (
	"encoding/json"
	"fmt"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

// fieldMap is a decoded JSON object that resolves fields under either their
// camelCase or snake_case spelling, whichever the server sent.
type fieldMap map[string]json.RawMessage

func parseFields(data []byte) (fieldMap, error) {
	var fields fieldMap
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("remote: decode object: %w", err)
	}
	return fields, nil
}

func (m fieldMap) lookup(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		if raw, ok := m[key]; ok && string(raw) != "null" {
			return raw, true
		}
	}
	return nil, false
}

func (m fieldMap) str(keys ...string) string {
	raw, ok := m.lookup(keys...)
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func (m fieldMap) integer(keys ...string) int64 {
	raw, ok := m.lookup(keys...)
	if !ok {
		return 0
	}
	var value int64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0
	}
	return value
}

func (m fieldMap) boolean(keys ...string) bool {
	raw, ok := m.lookup(keys...)
	if !ok {
		return false
	}
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	return value
}

func (m fieldMap) strings(keys ...string) []string {
	raw, ok := m.lookup(keys...)
	if !ok {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func (m fieldMap) object(keys ...string) (fieldMap, bool) {
	raw, ok := m.lookup(keys...)
	if !ok {
		return nil, false
	}
	nested, err := parseFields(raw)
	if err != nil {
		return nil, false
	}
	return nested, true
}

// DecodeScenario parses one scenario object from a response body.
func DecodeScenario(data []byte) (entity.Scenario, error) {
	fields, err := parseFields(data)
	if err != nil {
		return entity.Scenario{}, err
	}
	return decodeScenario(fields), nil
}

func decodeScenario(fields fieldMap) entity.Scenario {
	scenario := entity.Scenario{
		ID:            fields.str("id"),
		Name:          fields.str("name"),
		CoverURL:      fields.str("coverUrl", "cover_url"),
		InviteCode:    fields.str("inviteCode", "invite_code"),
		OwnerUserID:   fields.str("ownerUserId", "owner_user_id"),
		Mode:          entity.ScenarioMode(fields.str("mode")),
		PlayerUserIDs: fields.strings("playerUserIds", "player_user_ids"),
		GMUserIDs:     fields.strings("gmUserIds", "gm_user_ids"),
		TagKeys:       fields.strings("tagKeys", "tag_keys"),
		CreatedAt:     fields.integer("createdAt", "created_at"),
		UpdatedAt:     fields.integer("updatedAt", "updated_at"),
	}
	if settings, ok := fields.object("settings"); ok {
		scenario.Settings = &entity.ScenarioSettings{
			PinnedPostIDs: settings.strings("pinnedPostIds", "pinned_post_ids"),
			AllowReposts:  settings.boolean("allowReposts", "allow_reposts"),
			Description:   settings.str("description"),
		}
	}
	if scenario.Mode == "" {
		scenario.Mode = entity.ScenarioModeStory
	}
	return scenario
}

// DecodeProfile parses one profile object from a response body.
func DecodeProfile(data []byte) (entity.Profile, error) {
	fields, err := parseFields(data)
	if err != nil {
		return entity.Profile{}, err
	}
	return decodeProfile(fields), nil
}

func decodeProfile(fields fieldMap) entity.Profile {
	return entity.Profile{
		ID:          fields.str("id"),
		ScenarioID:  fields.str("scenarioId", "scenario_id"),
		OwnerUserID: fields.str("ownerUserId", "owner_user_id"),
		Handle:      fields.str("handle"),
		DisplayName: fields.str("displayName", "display_name"),
		AvatarURL:   fields.str("avatarUrl", "avatar_url"),
		HeaderURL:   fields.str("headerUrl", "header_url"),
		Bio:         fields.str("bio"),
		Hidden:      fields.boolean("hidden"),
		CreatedAt:   fields.integer("createdAt", "created_at"),
		UpdatedAt:   fields.integer("updatedAt", "updated_at"),
	}
}

// DecodePost parses one post object from a response body.
func DecodePost(data []byte) (entity.Post, error) {
	fields, err := parseFields(data)
	if err != nil {
		return entity.Post{}, err
	}
	return decodePost(fields), nil
}

func decodePost(fields fieldMap) entity.Post {
	post := entity.Post{
		ID:              fields.str("id"),
		ScenarioID:      fields.str("scenarioId", "scenario_id"),
		AuthorProfileID: fields.str("authorProfileId", "author_profile_id"),
		Text:            fields.str("text"),
		ImageURLs:       fields.strings("imageUrls", "image_urls"),
		ParentPostID:    fields.str("parentPostId", "parent_post_id"),
		QuotedPostID:    fields.str("quotedPostId", "quoted_post_id"),
		ReplyCount:      int(fields.integer("replyCount", "reply_count")),
		RepostCount:     int(fields.integer("repostCount", "repost_count")),
		LikeCount:       int(fields.integer("likeCount", "like_count")),
		Pinned:          fields.boolean("pinned"),
		PinOrder:        int(fields.integer("pinOrder", "pin_order")),
		CreatedAt:       fields.integer("createdAt", "created_at"),
		UpdatedAt:       fields.integer("updatedAt", "updated_at"),
	}
	if raw, ok := fields.lookup("meta"); ok {
		var meta entity.PostMeta
		if err := json.Unmarshal(raw, &meta); err == nil && meta.Kind != "" {
			post.Meta = &meta
		}
	}
	return post
}

// DecodeRepost parses one repost edge from a response body.
func DecodeRepost(data []byte) (entity.Repost, error) {
	fields, err := parseFields(data)
	if err != nil {
		return entity.Repost{}, err
	}
	return decodeRepost(fields), nil
}

func decodeRepost(fields fieldMap) entity.Repost {
	return entity.Repost{
		ScenarioID: fields.str("scenarioId", "scenario_id"),
		ProfileID:  fields.str("profileId", "profile_id"),
		PostID:     fields.str("postId", "post_id"),
		CreatedAt:  fields.integer("createdAt", "created_at"),
	}
}

// DecodeSheet parses one character sheet from a response body.
func DecodeSheet(data []byte) (entity.CharacterSheet, error) {
	fields, err := parseFields(data)
	if err != nil {
		return entity.CharacterSheet{}, err
	}
	return decodeSheet(fields), nil
}

func decodeSheet(fields fieldMap) entity.CharacterSheet {
	sheet := entity.CharacterSheet{
		ProfileID:    fields.str("profileId", "profile_id"),
		ScenarioID:   fields.str("scenarioId", "scenario_id"),
		Name:         fields.str("name"),
		Race:         fields.str("race"),
		Class:        fields.str("class"),
		Level:        int(fields.integer("level")),
		HP:           int(fields.integer("hp")),
		MaxHP:        int(fields.integer("maxHp", "max_hp")),
		Inventory:    fields.strings("inventory"),
		Equipment:    fields.strings("equipment"),
		Spells:       fields.strings("spells"),
		Abilities:    fields.strings("abilities"),
		PublicNotes:  fields.str("publicNotes", "public_notes"),
		PrivateNotes: fields.str("privateNotes", "private_notes"),
		UpdatedAt:    fields.integer("updatedAt", "updated_at"),
	}
	if raw, ok := fields.lookup("stats"); ok {
		var stats map[string]int
		if err := json.Unmarshal(raw, &stats); err == nil {
			sheet.Stats = stats
		}
	}
	return sheet
}

// DecodeConversation parses one conversation from a response body.
func DecodeConversation(data []byte) (entity.Conversation, error) {
	fields, err := parseFields(data)
	if err != nil {
		return entity.Conversation{}, err
	}
	return decodeConversation(fields), nil
}

func decodeConversation(fields fieldMap) entity.Conversation {
	return entity.Conversation{
		ID:                    fields.str("id"),
		ScenarioID:            fields.str("scenarioId", "scenario_id"),
		ParticipantProfileIDs: fields.strings("participantProfileIds", "participant_profile_ids"),
		MessageIDs:            fields.strings("messageIds", "message_ids"),
		CreatedAt:             fields.integer("createdAt", "created_at"),
		UpdatedAt:             fields.integer("updatedAt", "updated_at"),
	}
}

// DecodeMessage parses one message from a response body.
func DecodeMessage(data []byte) (entity.Message, error) {
	fields, err := parseFields(data)
	if err != nil {
		return entity.Message{}, err
	}
	return decodeMessage(fields), nil
}

func decodeMessage(fields fieldMap) entity.Message {
	return entity.Message{
		ID:              fields.str("id"),
		ConversationID:  fields.str("conversationId", "conversation_id"),
		ScenarioID:      fields.str("scenarioId", "scenario_id"),
		SenderProfileID: fields.str("senderProfileId", "sender_profile_id"),
		Text:            fields.str("text"),
		ImageURLs:       fields.strings("imageUrls", "image_urls"),
		CreatedAt:       fields.integer("createdAt", "created_at"),
	}
}

func decodeList[T any](data []byte, decodeOne func(fieldMap) T) ([]T, error) {
	var rawItems []json.RawMessage
	if err := json.Unmarshal(data, &rawItems); err != nil {
		// Some endpoints wrap collections in {"items": [...]}.
		fields, fieldsErr := parseFields(data)
		if fieldsErr != nil {
			return nil, fmt.Errorf("remote: decode list: %w", err)
		}
		raw, ok := fields.lookup("items", "data")
		if !ok {
			return nil, fmt.Errorf("remote: decode list: %w", err)
		}
		if err := json.Unmarshal(raw, &rawItems); err != nil {
			return nil, fmt.Errorf("remote: decode list: %w", err)
		}
	}
	items := make([]T, 0, len(rawItems))
	for _, rawItem := range rawItems {
		fields, err := parseFields(rawItem)
		if err != nil {
			return nil, err
		}
		items = append(items, decodeOne(fields))
	}
	return items, nil
}
