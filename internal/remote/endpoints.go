package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

// ListScenarios pulls every scenario visible to the authenticated user.
func (c *Client) ListScenarios(ctx context.Context) ([]entity.Scenario, error) {
	payload, err := c.do(ctx, http.MethodGet, "/scenarios", nil)
	if err != nil {
		return nil, err
	}
	return decodeList(payload, decodeScenario)
}

// UpsertScenario creates or updates a scenario and returns the authoritative record.
func (c *Client) UpsertScenario(ctx context.Context, scenario entity.Scenario) (entity.Scenario, error) {
	payload, err := c.do(ctx, http.MethodPost, "/scenarios", scenario)
	if err != nil {
		return entity.Scenario{}, err
	}
	return DecodeScenario(payload)
}

// DeleteScenario removes a scenario and its subgraph server-side.
func (c *Client) DeleteScenario(ctx context.Context, scenarioID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/scenarios/"+url.PathEscape(scenarioID), nil)
	return err
}

// JoinScenario adds the authenticated user to the scenario's player set.
func (c *Client) JoinScenario(ctx context.Context, scenarioID string) (entity.Scenario, error) {
	payload, err := c.do(ctx, http.MethodPost, "/scenarios/"+url.PathEscape(scenarioID)+"/join", nil)
	if err != nil {
		return entity.Scenario{}, err
	}
	return DecodeScenario(payload)
}

// LeaveScenario removes the authenticated user from the scenario's player set.
func (c *Client) LeaveScenario(ctx context.Context, scenarioID string) error {
	_, err := c.do(ctx, http.MethodPost, "/scenarios/"+url.PathEscape(scenarioID)+"/leave", nil)
	return err
}

// TransferOwnership hands the scenario to another player.
func (c *Client) TransferOwnership(ctx context.Context, scenarioID, newOwnerUserID string) (entity.Scenario, error) {
	body := map[string]string{"newOwnerUserId": newOwnerUserID}
	payload, err := c.do(ctx, http.MethodPost, "/scenarios/"+url.PathEscape(scenarioID)+"/transfer-ownership", body)
	if err != nil {
		return entity.Scenario{}, err
	}
	return DecodeScenario(payload)
}

// ListProfiles pulls the authoritative, complete profile set for one scenario.
func (c *Client) ListProfiles(ctx context.Context, scenarioID string) ([]entity.Profile, error) {
	payload, err := c.do(ctx, http.MethodGet, "/scenarios/"+url.PathEscape(scenarioID)+"/profiles", nil)
	if err != nil {
		return nil, err
	}
	return decodeList(payload, decodeProfile)
}

// UpsertProfile creates or updates a profile and returns the authoritative record.
func (c *Client) UpsertProfile(ctx context.Context, profile entity.Profile) (entity.Profile, error) {
	payload, err := c.do(ctx, http.MethodPost, "/scenarios/"+url.PathEscape(profile.ScenarioID)+"/profiles", profile)
	if err != nil {
		return entity.Profile{}, err
	}
	return DecodeProfile(payload)
}

// DeleteProfile removes a profile server-side.
func (c *Client) DeleteProfile(ctx context.Context, scenarioID, profileID string) error {
	path := "/scenarios/" + url.PathEscape(scenarioID) + "/profiles/" + url.PathEscape(profileID)
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	return err
}

// ListPosts pulls posts for one scenario. The response may be filtered or
// paginated server-side, so callers merge by upsert rather than replacing.
func (c *Client) ListPosts(ctx context.Context, scenarioID string) ([]entity.Post, error) {
	payload, err := c.do(ctx, http.MethodGet, "/scenarios/"+url.PathEscape(scenarioID)+"/posts", nil)
	if err != nil {
		return nil, err
	}
	return decodeList(payload, decodePost)
}

// CreatePost publishes a post and returns the authoritative record.
func (c *Client) CreatePost(ctx context.Context, post entity.Post) (entity.Post, error) {
	payload, err := c.do(ctx, http.MethodPost, "/scenarios/"+url.PathEscape(post.ScenarioID)+"/posts", post)
	if err != nil {
		return entity.Post{}, err
	}
	return DecodePost(payload)
}

// DeletePost removes a post server-side.
func (c *Client) DeletePost(ctx context.Context, scenarioID, postID string) error {
	path := "/scenarios/" + url.PathEscape(scenarioID) + "/posts/" + url.PathEscape(postID)
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	return err
}

// PinPost updates a post's pin flag and order, returning the authoritative record.
func (c *Client) PinPost(ctx context.Context, scenarioID, postID string, pinned bool, pinOrder int) (entity.Post, error) {
	path := "/scenarios/" + url.PathEscape(scenarioID) + "/posts/" + url.PathEscape(postID) + "/pin"
	body := map[string]any{"pinned": pinned, "pinOrder": pinOrder}
	payload, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return entity.Post{}, err
	}
	return DecodePost(payload)
}

// ToggleResult is the authoritative outcome of a repost or like flip.
type ToggleResult struct {
	Active bool
	Count  int
}

// ToggleRepost flips the repost edge for (profile, post) server-side.
func (c *Client) ToggleRepost(ctx context.Context, postID, profileID string) (ToggleResult, error) {
	body := map[string]string{"profileId": profileID}
	payload, err := c.do(ctx, http.MethodPost, "/reposts/posts/"+url.PathEscape(postID), body)
	if err != nil {
		return ToggleResult{}, err
	}
	return decodeToggle(payload, "reposted", "repostCount", "repost_count")
}

// ToggleLike flips the like edge for (profile, post) server-side.
func (c *Client) ToggleLike(ctx context.Context, postID, profileID string) (ToggleResult, error) {
	body := map[string]string{"profileId": profileID}
	payload, err := c.do(ctx, http.MethodPost, "/likes/posts/"+url.PathEscape(postID), body)
	if err != nil {
		return ToggleResult{}, err
	}
	return decodeToggle(payload, "liked", "likeCount", "like_count")
}

func decodeToggle(payload []byte, activeKey string, countKeys ...string) (ToggleResult, error) {
	fields, err := parseFields(payload)
	if err != nil {
		return ToggleResult{}, err
	}
	keys := append([]string{}, countKeys...)
	keys = append(keys, "count")
	return ToggleResult{
		Active: fields.boolean(activeKey, "active"),
		Count:  int(fields.integer(keys...)),
	}, nil
}

// ListConversations pulls conversations for one scenario.
func (c *Client) ListConversations(ctx context.Context, scenarioID string) ([]entity.Conversation, error) {
	payload, err := c.do(ctx, http.MethodGet, "/scenarios/"+url.PathEscape(scenarioID)+"/conversations", nil)
	if err != nil {
		return nil, err
	}
	return decodeList(payload, decodeConversation)
}

// CreateConversation opens a conversation and returns the authoritative record.
func (c *Client) CreateConversation(ctx context.Context, conversation entity.Conversation) (entity.Conversation, error) {
	path := "/scenarios/" + url.PathEscape(conversation.ScenarioID) + "/conversations"
	payload, err := c.do(ctx, http.MethodPost, path, conversation)
	if err != nil {
		return entity.Conversation{}, err
	}
	return DecodeConversation(payload)
}

// ListMessages pulls messages for one conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]entity.Message, error) {
	payload, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return decodeList(payload, decodeMessage)
}

// SendMessage delivers a message. The server's confirmation arrives over the
// push channel, not in this response; a 2xx here only means accepted.
func (c *Client) SendMessage(ctx context.Context, message entity.Message) error {
	path := "/conversations/" + url.PathEscape(message.ConversationID) + "/messages"
	_, err := c.do(ctx, http.MethodPost, path, message)
	return err
}

// GetCharacterSheet pulls the sheet for one profile.
func (c *Client) GetCharacterSheet(ctx context.Context, profileID string) (entity.CharacterSheet, error) {
	payload, err := c.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(profileID)+"/character-sheet", nil)
	if err != nil {
		return entity.CharacterSheet{}, err
	}
	return DecodeSheet(payload)
}

// UpsertCharacterSheet replaces the sheet for one profile and returns the
// authoritative record.
func (c *Client) UpsertCharacterSheet(ctx context.Context, sheet entity.CharacterSheet) (entity.CharacterSheet, error) {
	path := "/profiles/" + url.PathEscape(sheet.ProfileID) + "/character-sheet"
	payload, err := c.do(ctx, http.MethodPut, path, sheet)
	if err != nil {
		return entity.CharacterSheet{}, err
	}
	return DecodeSheet(payload)
}

// DeleteCharacterSheet removes the sheet for one profile.
func (c *Client) DeleteCharacterSheet(ctx context.Context, profileID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/profiles/"+url.PathEscape(profileID)+"/character-sheet", nil)
	return err
}

// GetNotificationPrefs pulls mute settings for one scenario.
func (c *Client) GetNotificationPrefs(ctx context.Context, scenarioID string) (entity.NotificationPrefs, error) {
	payload, err := c.do(ctx, http.MethodGet, "/scenarios/"+url.PathEscape(scenarioID)+"/notification-prefs", nil)
	if err != nil {
		return entity.NotificationPrefs{}, err
	}
	fields, err := parseFields(payload)
	if err != nil {
		return entity.NotificationPrefs{}, err
	}
	return entity.NotificationPrefs{
		Muted:      fields.boolean("muted"),
		MutedUntil: fields.integer("mutedUntil", "muted_until"),
	}, nil
}

// SetNotificationPrefs stores mute settings for one scenario.
func (c *Client) SetNotificationPrefs(ctx context.Context, scenarioID string, prefs entity.NotificationPrefs) error {
	path := "/scenarios/" + url.PathEscape(scenarioID) + "/notification-prefs"
	_, err := c.do(ctx, http.MethodPut, path, prefs)
	return err
}
