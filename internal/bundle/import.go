package bundle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/remote"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
)

// DefaultProfileQuota bounds how many profiles a single import materializes.
const DefaultProfileQuota = 50

var (
	errImportMissingStore = errors.New("bundle: entity store is required")
	errImportMissingIDs   = errors.New("bundle: id provider is required")
	errImportMissingUser  = errors.New("bundle: importing user id is required")
)

// IDProvider mints identifiers for materialized records.
type IDProvider interface {
	NewID() (string, error)
}

// ImporterConfig describes the dependencies of an Importer.
type ImporterConfig struct {
	Store        *store.Store
	Remote       *remote.Client // nil materializes into the local store only
	Dispatcher   *store.ChangeDispatcher
	IDProvider   IDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
	UserID       string
	ProfileQuota int
}

// Importer re-materializes bundle documents. Every record receives a fresh
// id, the importing user becomes owner and sole player of the new scenario,
// and denormalized counters are recomputed from the edges that survived.
type Importer struct {
	store      *store.Store
	remote     *remote.Client
	dispatcher *store.ChangeDispatcher
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	userID     string
	quota      int
}

// ImportResult reports what the import materialized and what it left behind.
type ImportResult struct {
	ScenarioID      string
	ProfileIDs      map[string]string // document profile id -> materialized id
	PostIDs         map[string]string // document post id -> materialized id
	RenamedHandles  map[string]string // document handle -> assigned handle
	SkippedProfiles int
	DroppedPosts    int
	DroppedReposts  int
	DroppedSheets   int
	DroppedLikes    int
}

// NewImporter validates configuration and constructs an Importer.
func NewImporter(cfg ImporterConfig) (*Importer, error) {
	if cfg.Store == nil {
		return nil, errImportMissingStore
	}
	if cfg.IDProvider == nil {
		return nil, errImportMissingIDs
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errImportMissingUser
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	quota := cfg.ProfileQuota
	if quota <= 0 {
		quota = DefaultProfileQuota
	}
	return &Importer{
		store:      cfg.Store,
		remote:     cfg.Remote,
		dispatcher: cfg.Dispatcher,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		userID:     cfg.UserID,
		quota:      quota,
	}, nil
}

// Import validates the document, materializes it with fresh ids, and commits
// the result to the store in one transaction. With a remote client configured
// the records are first replayed against the API in dependency order and the
// server-assigned ids win; without one the import is purely local. Validation
// failures abort before any write.
func (im *Importer) Import(ctx context.Context, doc Document) (ImportResult, error) {
	if err := Validate(doc); err != nil {
		return ImportResult{}, err
	}

	snapshot := im.store.Read()
	now := im.clock().Unix()

	result := ImportResult{
		ProfileIDs:     map[string]string{},
		PostIDs:        map[string]string{},
		RenamedHandles: map[string]string{},
	}

	scenario, err := im.materializeScenario(ctx, doc.Scenario, now)
	if err != nil {
		return ImportResult{}, err
	}
	result.ScenarioID = scenario.ID

	profiles, err := im.materializeProfiles(ctx, doc.Profiles, snapshot, scenario.ID, now, &result)
	if err != nil {
		return ImportResult{}, err
	}

	posts, err := im.materializePosts(ctx, doc.Posts, scenario.ID, &result)
	if err != nil {
		return ImportResult{}, err
	}

	reposts, err := im.materializeReposts(ctx, doc.Reposts, scenario.ID, &result)
	if err != nil {
		return ImportResult{}, err
	}

	likes, err := im.materializeLegacyLikes(ctx, doc.Profiles, scenario.ID, now, &result)
	if err != nil {
		return ImportResult{}, err
	}

	sheets, err := im.materializeSheets(ctx, doc.Sheets, scenario.ID, &result)
	if err != nil {
		return ImportResult{}, err
	}

	recountPosts(posts, reposts, likes)

	_, updateErr := im.store.Update(func(next entity.Snapshot) entity.Snapshot {
		writeTags(&next, &scenario, now)
		next.Scenarios[scenario.ID] = scenario
		for _, profile := range profiles {
			next.Profiles[profile.ID] = profile
		}
		for _, post := range posts {
			next.Posts[post.ID] = post
		}
		for _, repost := range reposts {
			next.Reposts[entity.RepostKey(repost.ProfileID, repost.PostID)] = repost
		}
		for _, like := range likes {
			next.Likes[entity.LikeKey(like.ScenarioID, like.ProfileID, like.PostID)] = like
		}
		for _, sheet := range sheets {
			next.Sheets[sheet.ProfileID] = sheet
		}
		return next
	})
	if updateErr != nil {
		return ImportResult{}, fmt.Errorf("bundle: commit import: %w", updateErr)
	}

	if im.dispatcher != nil {
		im.dispatcher.Publish(store.ChangeEvent{
			ScenarioID: scenario.ID,
			Kind:       store.ChangeKindScenario,
			EntityIDs:  []string{scenario.ID},
			Timestamp:  im.clock(),
		})
	}
	im.logger.Info("bundle import complete",
		zap.String("scenarioId", scenario.ID),
		zap.Int("profiles", len(profiles)),
		zap.Int("posts", len(posts)),
		zap.Int("skippedProfiles", result.SkippedProfiles),
		zap.Int("droppedPosts", result.DroppedPosts))
	return result, nil
}

func (im *Importer) materializeScenario(ctx context.Context, source entity.Scenario, now int64) (entity.Scenario, error) {
	id, err := im.idProvider.NewID()
	if err != nil {
		return entity.Scenario{}, fmt.Errorf("bundle: mint scenario id: %w", err)
	}
	scenario := source
	scenario.ID = id
	scenario.OwnerUserID = im.userID
	scenario.PlayerUserIDs = []string{im.userID}
	scenario.GMUserIDs = nil
	scenario.InviteCode = ""
	scenario.CreatedAt = now
	scenario.UpdatedAt = now
	if scenario.Settings != nil {
		settings := *scenario.Settings
		settings.PinnedPostIDs = nil
		scenario.Settings = &settings
	}
	if im.remote == nil {
		return scenario, nil
	}
	echo, err := im.remote.UpsertScenario(ctx, scenario)
	if err != nil {
		return entity.Scenario{}, fmt.Errorf("bundle: create scenario remotely: %w", err)
	}
	if echo.ID != "" {
		scenario.ID = echo.ID
	}
	if echo.InviteCode != "" {
		scenario.InviteCode = echo.InviteCode
	}
	return scenario, nil
}

func (im *Importer) materializeProfiles(ctx context.Context, source []BundleProfile, snapshot entity.Snapshot, scenarioID string, now int64, result *ImportResult) ([]entity.Profile, error) {
	ordered := make([]BundleProfile, len(source))
	copy(ordered, source)
	sort.Slice(ordered, func(i, j int) bool {
		return olderRecord(ordered[i].CreatedAt, ordered[i].ID, ordered[j].CreatedAt, ordered[j].ID)
	})

	taken := takenHandles(snapshot, im.userID)
	profiles := make([]entity.Profile, 0, len(ordered))
	for index, bundled := range ordered {
		if index >= im.quota {
			result.SkippedProfiles = len(ordered) - im.quota
			break
		}
		id, err := im.idProvider.NewID()
		if err != nil {
			return nil, fmt.Errorf("bundle: mint profile id: %w", err)
		}
		profile := bundled.Profile
		profile.ID = id
		profile.ScenarioID = scenarioID
		profile.OwnerUserID = im.userID
		profile.CreatedAt = now
		profile.UpdatedAt = now

		assigned := assignHandle(profile.Handle, taken)
		if assigned != profile.Handle {
			result.RenamedHandles[profile.Handle] = assigned
			profile.Handle = assigned
		}
		taken[strings.ToLower(assigned)] = true

		if im.remote != nil {
			echo, err := im.remote.UpsertProfile(ctx, profile)
			if err != nil {
				return nil, fmt.Errorf("bundle: create profile %q remotely: %w", profile.Handle, err)
			}
			if echo.ID != "" {
				profile.ID = echo.ID
			}
		}
		result.ProfileIDs[bundled.ID] = profile.ID
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// materializePosts walks the reply and quote graph with a Kahn worklist so
// every post is created after the posts it references. Posts whose author was
// skipped by the profile quota are dropped; references to dropped posts are
// detached rather than cascading the drop.
func (im *Importer) materializePosts(ctx context.Context, source []entity.Post, scenarioID string, result *ImportResult) ([]entity.Post, error) {
	kept := map[string]entity.Post{}
	for _, post := range source {
		if _, ok := result.ProfileIDs[post.AuthorProfileID]; !ok {
			result.DroppedPosts++
			continue
		}
		kept[post.ID] = post
	}

	indegree := map[string]int{}
	dependents := map[string][]string{}
	for id, post := range kept {
		for _, dep := range []string{post.ParentPostID, post.QuotedPostID} {
			if dep == "" || dep == id {
				continue
			}
			if _, ok := kept[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	worklist := make([]string, 0, len(kept))
	for id := range kept {
		if indegree[id] == 0 {
			worklist = append(worklist, id)
		}
	}
	sort.Slice(worklist, func(i, j int) bool {
		return olderRecord(kept[worklist[i]].CreatedAt, worklist[i], kept[worklist[j]].CreatedAt, worklist[j])
	})

	posts := make([]entity.Post, 0, len(kept))
	for len(worklist) > 0 {
		oldID := worklist[0]
		worklist = worklist[1:]

		id, err := im.idProvider.NewID()
		if err != nil {
			return nil, fmt.Errorf("bundle: mint post id: %w", err)
		}
		post := kept[oldID]
		post.ID = id
		post.ScenarioID = scenarioID
		post.AuthorProfileID = result.ProfileIDs[post.AuthorProfileID]
		post.ParentPostID = result.PostIDs[post.ParentPostID]
		post.QuotedPostID = result.PostIDs[post.QuotedPostID]
		post.ReplyCount = 0
		post.RepostCount = 0
		post.LikeCount = 0
		post.Pinned = false
		post.PinOrder = 0

		if im.remote != nil {
			echo, err := im.remote.CreatePost(ctx, post)
			if err != nil {
				return nil, fmt.Errorf("bundle: create post remotely: %w", err)
			}
			if echo.ID != "" {
				post.ID = echo.ID
			}
		}
		result.PostIDs[oldID] = post.ID
		posts = append(posts, post)

		released := dependents[oldID]
		sort.Slice(released, func(i, j int) bool {
			return olderRecord(kept[released[i]].CreatedAt, released[i], kept[released[j]].CreatedAt, released[j])
		})
		for _, dependent := range released {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				worklist = append(worklist, dependent)
			}
		}
	}

	if len(posts) != len(kept) {
		return nil, invalid("posts: reference cycle detected")
	}
	return posts, nil
}

func (im *Importer) materializeReposts(ctx context.Context, source []entity.Repost, scenarioID string, result *ImportResult) ([]entity.Repost, error) {
	reposts := make([]entity.Repost, 0, len(source))
	for _, edge := range source {
		profileID, profileOK := result.ProfileIDs[edge.ProfileID]
		postID, postOK := result.PostIDs[edge.PostID]
		if !profileOK || !postOK {
			result.DroppedReposts++
			continue
		}
		if im.remote != nil {
			if _, err := im.remote.ToggleRepost(ctx, postID, profileID); err != nil {
				return nil, fmt.Errorf("bundle: create repost remotely: %w", err)
			}
		}
		edge.ScenarioID = scenarioID
		edge.ProfileID = profileID
		edge.PostID = postID
		reposts = append(reposts, edge)
	}
	return reposts, nil
}

func (im *Importer) materializeLegacyLikes(ctx context.Context, source []BundleProfile, scenarioID string, now int64, result *ImportResult) ([]entity.Like, error) {
	likes := make([]entity.Like, 0)
	seen := map[string]bool{}
	for _, bundled := range source {
		profileID, profileOK := result.ProfileIDs[bundled.ID]
		for _, likedPostID := range bundled.LikedPostIDs {
			postID, postOK := result.PostIDs[likedPostID]
			if !profileOK || !postOK {
				result.DroppedLikes++
				continue
			}
			key := entity.LikeKey(scenarioID, profileID, postID)
			if seen[key] {
				continue
			}
			seen[key] = true
			if im.remote != nil {
				if _, err := im.remote.ToggleLike(ctx, postID, profileID); err != nil {
					return nil, fmt.Errorf("bundle: create like remotely: %w", err)
				}
			}
			likes = append(likes, entity.Like{
				ScenarioID: scenarioID,
				ProfileID:  profileID,
				PostID:     postID,
				CreatedAt:  now,
			})
		}
	}
	return likes, nil
}

func (im *Importer) materializeSheets(ctx context.Context, source []entity.CharacterSheet, scenarioID string, result *ImportResult) ([]entity.CharacterSheet, error) {
	sheets := make([]entity.CharacterSheet, 0, len(source))
	for _, sheet := range source {
		profileID, ok := result.ProfileIDs[sheet.ProfileID]
		if !ok {
			result.DroppedSheets++
			continue
		}
		sheet.ProfileID = profileID
		sheet.ScenarioID = scenarioID
		if im.remote != nil {
			echo, err := im.remote.UpsertCharacterSheet(ctx, sheet)
			if err != nil {
				return nil, fmt.Errorf("bundle: create character sheet remotely: %w", err)
			}
			if echo.ProfileID != "" {
				sheet = echo
				sheet.ProfileID = profileID
				sheet.ScenarioID = scenarioID
			}
		}
		sheets = append(sheets, sheet)
	}
	return sheets, nil
}

// recountPosts rebuilds the denormalized counters from the surviving edges.
func recountPosts(posts []entity.Post, reposts []entity.Repost, likes []entity.Like) {
	index := map[string]int{}
	for i, post := range posts {
		index[post.ID] = i
	}
	for _, post := range posts {
		if post.ParentPostID == "" {
			continue
		}
		if i, ok := index[post.ParentPostID]; ok {
			posts[i].ReplyCount++
		}
	}
	for _, repost := range reposts {
		if i, ok := index[repost.PostID]; ok {
			posts[i].RepostCount++
		}
	}
	for _, like := range likes {
		if i, ok := index[like.PostID]; ok {
			posts[i].LikeCount++
		}
	}
}

// writeTags upserts the scenario's tags into the global registry. An existing
// registry entry keeps its name and color; the scenario's denormalized copies
// follow whatever the registry holds after the upsert.
func writeTags(next *entity.Snapshot, scenario *entity.Scenario, now int64) {
	normalized := make([]string, 0, len(scenario.TagKeys))
	for _, raw := range scenario.TagKeys {
		key := entity.NormalizeTagKey(raw)
		if key == "" {
			continue
		}
		normalized = append(normalized, key)
		tag, ok := next.GlobalTags[key]
		if !ok {
			tag = entity.GlobalTag{Key: key, Name: raw, CreatedAt: now}
			next.GlobalTags[key] = tag
		}
		next.ScenarioTags[entity.ScenarioTagKey(scenario.ID, key)] = entity.ScenarioTag{
			ScenarioID: scenario.ID,
			Key:        key,
			Name:       tag.Name,
			Color:      tag.Color,
		}
	}
	scenario.TagKeys = normalized
}

// takenHandles collects the lowercased handles already claimed by the
// importing user anywhere in the local state.
func takenHandles(snapshot entity.Snapshot, userID string) map[string]bool {
	taken := map[string]bool{}
	for _, profile := range snapshot.Profiles {
		if profile.OwnerUserID == userID {
			taken[strings.ToLower(profile.Handle)] = true
		}
	}
	return taken
}

// assignHandle resolves a handle collision by appending the smallest numeric
// suffix that is free, truncating the base so the result stays within the
// handle length cap.
func assignHandle(base string, taken map[string]bool) string {
	if !taken[strings.ToLower(base)] {
		return base
	}
	for n := 1; ; n++ {
		suffix := strconv.Itoa(n)
		trimmed := base
		if len(trimmed)+len(suffix) > entity.MaxHandleLength {
			trimmed = trimmed[:entity.MaxHandleLength-len(suffix)]
		}
		candidate := trimmed + suffix
		if !taken[strings.ToLower(candidate)] {
			return candidate
		}
	}
}
