package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/auth"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/notify"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/push"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/reconcile"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/remote"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
	"go.uber.org/zap"
)

// DefaultCooldown is the minimum gap between two sync attempts for one scope.
const DefaultCooldown = 5 * time.Second

var (
	errMissingStore  = errors.New("syncer: entity store is required")
	errMissingRemote = errors.New("syncer: remote client is required")
	noOpLogger       = zap.NewNop()
)

// Config describes the scheduler's dependencies.
type Config struct {
	Store      *store.Store
	Remote     *remote.Client
	Dispatcher *store.ChangeDispatcher
	Notifier   notify.Notifier
	Session    *Session
	Clock      func() time.Time
	Logger     *zap.Logger
	Cooldown   time.Duration
	Reconcile  reconcile.Config
	PushURL    string
	UserID     string
}

type scopeState struct {
	inFlight   bool
	lastSyncAt time.Time
}

// Scheduler pulls authoritative data into the entity store, throttled per
// scope key. It is a rate limiter, not a queue: attempts inside the cooldown
// or behind an in-flight pull are dropped, never deferred. Push channels feed
// the same merge logic as pulls.
type Scheduler struct {
	store      *store.Store
	remote     *remote.Client
	dispatcher *store.ChangeDispatcher
	notifier   notify.Notifier
	session    *Session
	clock      func() time.Time
	logger     *zap.Logger
	cooldown   time.Duration
	reconcile  reconcile.Config
	pushURL    string
	userID     string

	mu       sync.Mutex
	scopes   map[string]*scopeState
	channels map[string]*push.Channel

	tokenInfo    auth.TokenInfo
	tokenKnown   bool
	tokenWarning sync.Once
}

// New validates configuration and constructs the scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	session := cfg.Session
	if session == nil {
		session = NewSession()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	scheduler := &Scheduler{
		store:      cfg.Store,
		remote:     cfg.Remote,
		dispatcher: cfg.Dispatcher,
		notifier:   notifier,
		session:    session,
		clock:      clock,
		logger:     logger,
		cooldown:   cooldown,
		reconcile:  cfg.Reconcile,
		pushURL:    cfg.PushURL,
		userID:     cfg.UserID,
		scopes:     map[string]*scopeState{},
		channels:   map[string]*push.Channel{},
	}
	if info, err := auth.Inspect(cfg.Remote.Token()); err == nil {
		scheduler.tokenInfo = info
		scheduler.tokenKnown = true
		if scheduler.userID == "" {
			scheduler.userID = info.UserID
		}
	}
	return scheduler, nil
}

// Session exposes the viewing session for facade wiring.
func (s *Scheduler) Session() *Session {
	return s.session
}

// beginScope claims the scope for a sync attempt. Returns false when another
// pull is in flight or the cooldown has not elapsed.
func (s *Scheduler) beginScope(scope string) bool {
	if s.tokenExpired() {
		return false
	}
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.scopes[scope]
	if !ok {
		state = &scopeState{}
		s.scopes[scope] = state
	}
	if state.inFlight {
		return false
	}
	if !state.lastSyncAt.IsZero() && now.Sub(state.lastSyncAt) < s.cooldown {
		return false
	}
	state.inFlight = true
	state.lastSyncAt = now
	return true
}

func (s *Scheduler) endScope(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.scopes[scope]; ok {
		state.inFlight = false
	}
}

// tokenExpired reports whether the configured bearer token has lapsed. An
// expired token downgrades the scheduler to a no-op instead of hammering the
// API with a dead credential.
func (s *Scheduler) tokenExpired() bool {
	if !s.tokenKnown {
		return false
	}
	if s.tokenInfo.ExpiredAt(s.clock()) {
		s.tokenWarning.Do(func() {
			s.logger.Warn("bearer token expired, sync suspended",
				zap.Time("expired_at", s.tokenInfo.ExpiresAt))
		})
		return true
	}
	return false
}

// SyncScenarios pulls the scenario list and merges it by upsert.
func (s *Scheduler) SyncScenarios(ctx context.Context) error {
	const scope = "scenarios"
	if !s.beginScope(scope) {
		return nil
	}
	defer s.endScope(scope)

	scenarios, err := s.remote.ListScenarios(ctx)
	if err != nil {
		s.logger.Warn("scenario list pull failed", zap.Error(err))
		return err
	}
	s.mergeScenarios(scenarios)
	return nil
}

// SyncScenario pulls one scenario's profiles, posts, and conversations.
// Profiles are documented authoritative-and-complete and replace the
// scenario's set; posts and conversations merge by upsert.
func (s *Scheduler) SyncScenario(ctx context.Context, scenarioID string) error {
	if !s.beginScope(scenarioID) {
		return nil
	}
	defer s.endScope(scenarioID)

	profiles, err := s.remote.ListProfiles(ctx, scenarioID)
	if err != nil {
		s.logger.Warn("profile pull failed", zap.String("scenario_id", scenarioID), zap.Error(err))
		return err
	}
	posts, err := s.remote.ListPosts(ctx, scenarioID)
	if err != nil {
		s.logger.Warn("post pull failed", zap.String("scenario_id", scenarioID), zap.Error(err))
		return err
	}
	conversations, err := s.remote.ListConversations(ctx, scenarioID)
	if err != nil {
		s.logger.Warn("conversation pull failed", zap.String("scenario_id", scenarioID), zap.Error(err))
		return err
	}

	s.mergeScenarioPull(scenarioID, profiles, posts, conversations)
	return nil
}

// SyncConversation pulls one conversation's messages, feeding each through
// the reconciler so provisional sends retire correctly.
func (s *Scheduler) SyncConversation(ctx context.Context, scenarioID, conversationID string) error {
	scope := scenarioID + ":conversation:" + conversationID
	if !s.beginScope(scope) {
		return nil
	}
	defer s.endScope(scope)

	messages, err := s.remote.ListMessages(ctx, conversationID)
	if err != nil {
		s.logger.Warn("message pull failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	s.mergeMessages(scenarioID, messages)
	return nil
}

// SyncSheets pulls character sheets for every profile of a scenario. The
// per-profile response is an authoritative full replace for that sheet.
func (s *Scheduler) SyncSheets(ctx context.Context, scenarioID string) error {
	scope := scenarioID + ":sheets"
	if !s.beginScope(scope) {
		return nil
	}
	defer s.endScope(scope)

	snapshot := s.store.Read()
	for _, profile := range snapshot.Profiles {
		if profile.ScenarioID != scenarioID {
			continue
		}
		sheet, err := s.remote.GetCharacterSheet(ctx, profile.ID)
		if err != nil {
			if remote.IsNotFound(err) {
				continue
			}
			s.logger.Warn("sheet pull failed", zap.String("profile_id", profile.ID), zap.Error(err))
			continue
		}
		if sheet.ProfileID == "" {
			sheet.ProfileID = profile.ID
		}
		sheet.ScenarioID = scenarioID
		s.mergeSheet(sheet)
	}
	return nil
}

// Subscribe opens the persistent push channel for a scenario. Opening is
// idempotent per scope; the channel stays up until Shutdown.
func (s *Scheduler) Subscribe(ctx context.Context, scenarioID string) error {
	if s.pushURL == "" {
		return nil
	}
	s.mu.Lock()
	if _, ok := s.channels[scenarioID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	channel, err := push.Open(ctx, push.ChannelConfig{
		URL:        s.pushURL,
		Token:      s.remote.Token(),
		ScenarioID: scenarioID,
		Logger:     s.logger,
		Handler: func(frame push.Frame) {
			s.handleFrame(scenarioID, frame)
		},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.channels[scenarioID]; ok {
		s.mu.Unlock()
		channel.Close()
		return nil
	}
	s.channels[scenarioID] = channel
	s.mu.Unlock()
	return nil
}

// Shutdown closes every push channel and waits for their read loops.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	channels := make([]*push.Channel, 0, len(s.channels))
	for scope, channel := range s.channels {
		channels = append(channels, channel)
		delete(s.channels, scope)
	}
	s.mu.Unlock()
	for _, channel := range channels {
		channel.Close()
	}
}
