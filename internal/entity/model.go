package entity

// ScenarioMode distinguishes free-form story spaces from GM-led campaigns.
type ScenarioMode string

const (
	// ScenarioModeStory is a flat shared space without game-master roles.
	ScenarioModeStory ScenarioMode = "story"
	// ScenarioModeCampaign adds GM users and structured post kinds.
	ScenarioModeCampaign ScenarioMode = "campaign"
)

// ClientStatus marks a record that exists locally but is not yet confirmed remotely.
type ClientStatus string

const (
	// ClientStatusSending marks an optimistic record awaiting remote confirmation.
	ClientStatusSending ClientStatus = "sending"
	// ClientStatusFailed marks an optimistic record whose remote call failed.
	ClientStatusFailed ClientStatus = "failed"
)

// Scenario is a shared role-play space owning profiles, posts and settings.
type Scenario struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	CoverURL      string            `json:"coverUrl,omitempty"`
	InviteCode    string            `json:"inviteCode,omitempty"`
	OwnerUserID   string            `json:"ownerUserId"`
	Mode          ScenarioMode      `json:"mode"`
	PlayerUserIDs []string          `json:"playerUserIds"`
	GMUserIDs     []string          `json:"gmUserIds,omitempty"`
	Settings      *ScenarioSettings `json:"settings,omitempty"`
	TagKeys       []string          `json:"tagKeys,omitempty"`
	CreatedAt     int64             `json:"createdAt"`
	UpdatedAt     int64             `json:"updatedAt"`
}

// ScenarioSettings carries free-form per-scenario options.
type ScenarioSettings struct {
	PinnedPostIDs []string `json:"pinnedPostIds,omitempty"`
	AllowReposts  bool     `json:"allowReposts"`
	Description   string   `json:"description,omitempty"`
}

// HasPlayer reports whether the user id is a current player of the scenario.
func (s Scenario) HasPlayer(userID string) bool {
	for _, id := range s.PlayerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Profile is a persona a user plays inside one scenario. An empty OwnerUserID
// marks the profile unclaimed; a user re-joining the scenario may reclaim it.
type Profile struct {
	ID          string `json:"id"`
	ScenarioID  string `json:"scenarioId"`
	OwnerUserID string `json:"ownerUserId"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	HeaderURL   string `json:"headerUrl,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// PostMeta carries structured data for non-text post kinds.
type PostMeta struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// Known PostMeta kinds.
const (
	PostKindGMUpdate = "gm-update"
	PostKindDiceRoll = "dice-roll"
	PostKindQuest    = "quest"
	PostKindCombat   = "combat"
)

// Post is a scenario-scoped content node. ParentPostID forms the reply tree;
// QuotedPostID layers a quote DAG over it. Counters are denormalized and
// maintained by the mutation pipeline.
type Post struct {
	ID              string    `json:"id"`
	ScenarioID      string    `json:"scenarioId"`
	AuthorProfileID string    `json:"authorProfileId"`
	Text            string    `json:"text"`
	ImageURLs       []string  `json:"imageUrls,omitempty"`
	ParentPostID    string    `json:"parentPostId,omitempty"`
	QuotedPostID    string    `json:"quotedPostId,omitempty"`
	ReplyCount      int       `json:"replyCount"`
	RepostCount     int       `json:"repostCount"`
	LikeCount       int       `json:"likeCount"`
	Pinned          bool      `json:"pinned,omitempty"`
	PinOrder        int       `json:"pinOrder,omitempty"`
	Meta            *PostMeta `json:"meta,omitempty"`
	CreatedAt       int64     `json:"createdAt"`
	UpdatedAt       int64     `json:"updatedAt"`
}

// Repost is an edge keyed by profile and post; at most one live edge exists
// per pair and toggling off removes it entirely.
type Repost struct {
	ScenarioID string `json:"scenarioId"`
	ProfileID  string `json:"profileId"`
	PostID     string `json:"postId"`
	CreatedAt  int64  `json:"createdAt"`
}

// Like follows the same keying convention as Repost.
type Like struct {
	ScenarioID string `json:"scenarioId"`
	ProfileID  string `json:"profileId"`
	PostID     string `json:"postId"`
	CreatedAt  int64  `json:"createdAt"`
}

// CharacterSheet is the one-per-profile character record. It is absent until
// explicitly created.
type CharacterSheet struct {
	ProfileID    string         `json:"profileId"`
	ScenarioID   string         `json:"scenarioId"`
	Name         string         `json:"name"`
	Race         string         `json:"race,omitempty"`
	Class        string         `json:"class,omitempty"`
	Level        int            `json:"level,omitempty"`
	Stats        map[string]int `json:"stats,omitempty"`
	HP           int            `json:"hp,omitempty"`
	MaxHP        int            `json:"maxHp,omitempty"`
	Inventory    []string       `json:"inventory,omitempty"`
	Equipment    []string       `json:"equipment,omitempty"`
	Spells       []string       `json:"spells,omitempty"`
	Abilities    []string       `json:"abilities,omitempty"`
	PublicNotes  string         `json:"publicNotes,omitempty"`
	PrivateNotes string         `json:"privateNotes,omitempty"`
	UpdatedAt    int64          `json:"updatedAt"`
}

// Conversation groups direct messages between profiles of one scenario.
// ParticipantProfileIDs preserves insertion order and holds no duplicates.
type Conversation struct {
	ID                    string   `json:"id"`
	ScenarioID            string   `json:"scenarioId"`
	ParticipantProfileIDs []string `json:"participantProfileIds"`
	MessageIDs            []string `json:"messageIds"`
	CreatedAt             int64    `json:"createdAt"`
	UpdatedAt             int64    `json:"updatedAt"`
}

// HasParticipant reports whether the profile takes part in the conversation.
func (c Conversation) HasParticipant(profileID string) bool {
	for _, id := range c.ParticipantProfileIDs {
		if id == profileID {
			return true
		}
	}
	return false
}

// Message belongs to exactly one conversation and one sender profile.
// ClientStatus is empty once the message is confirmed; LocalEchoID
// back-references the provisional id a confirmed message replaced, so a UI
// can keep a stable key across the swap.
type Message struct {
	ID              string       `json:"id"`
	ConversationID  string       `json:"conversationId"`
	ScenarioID      string       `json:"scenarioId"`
	SenderProfileID string       `json:"senderProfileId"`
	Text            string       `json:"text"`
	ImageURLs       []string     `json:"imageUrls,omitempty"`
	ClientStatus    ClientStatus `json:"clientStatus,omitempty"`
	ClientError     string       `json:"clientError,omitempty"`
	LocalEchoID     string       `json:"localEchoId,omitempty"`
	CreatedAt       int64        `json:"createdAt"`
}

// GlobalTag lives in the process-wide tag registry, keyed by normalized key.
type GlobalTag struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// ScenarioTag references a GlobalTag by key and keeps a denormalized
// name/color copy for offline display.
type ScenarioTag struct {
	ScenarioID string `json:"scenarioId"`
	Key        string `json:"key"`
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
}

// NotificationPrefs controls local notification emission for one scenario.
type NotificationPrefs struct {
	Muted      bool  `json:"muted"`
	MutedUntil int64 `json:"mutedUntil,omitempty"`
}

// MutedAt reports whether notifications are suppressed at the given unix time.
func (p NotificationPrefs) MutedAt(unixSeconds int64) bool {
	if p.Muted {
		return true
	}
	return p.MutedUntil > 0 && unixSeconds < p.MutedUntil
}
