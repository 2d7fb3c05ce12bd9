package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/remote"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
)

const (
	opCreatePost = "pipeline.create_post"
	opDeletePost = "pipeline.delete_post"
	opPinPost    = "pipeline.pin_post"
)

var (
	errPostNotFound     = errors.New("post not found")
	errEmptyPost        = errors.New("post requires text or images")
	errAuthorNotFound   = errors.New("author profile not found in scenario")
	errBadPostReference = errors.New("parent or quoted post must belong to the same scenario")
)

// CreatePost authors a post through one of the acting user's profiles.
// Reply and quote edges must stay inside the post's scenario; the parent's
// reply counter is maintained here, not trusted from input.
func (p *Pipeline) CreatePost(ctx context.Context, post entity.Post) (entity.Post, error) {
	if strings.TrimSpace(post.Text) == "" && len(post.ImageURLs) == 0 && post.Meta == nil {
		return entity.Post{}, newServiceError(opCreatePost, "empty_post", errEmptyPost)
	}
	if post.ScenarioID == "" {
		return entity.Post{}, newServiceError(opCreatePost, "missing_scenario", errScenarioRequired)
	}

	id, err := p.newID(opCreatePost)
	if err != nil {
		return entity.Post{}, err
	}
	post.ID = id
	post.CreatedAt = p.now()
	post.UpdatedAt = post.CreatedAt
	post.ReplyCount = 0
	post.RepostCount = 0
	post.LikeCount = 0

	if p.Networked() {
		if err := entity.ValidateID(post.ScenarioID); err != nil {
			return entity.Post{}, newServiceError(opCreatePost, "invalid_scenario_id", err)
		}
		if err := entity.ValidateID(post.AuthorProfileID); err != nil {
			return entity.Post{}, newServiceError(opCreatePost, "invalid_author_id", err)
		}
	}

	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		if _, ok := snapshot.Scenarios[post.ScenarioID]; !ok {
			conflict = errScenarioNotFound
			return snapshot
		}
		author, ok := snapshot.Profiles[post.AuthorProfileID]
		if !ok || author.ScenarioID != post.ScenarioID {
			conflict = errAuthorNotFound
			return snapshot
		}
		if post.ParentPostID != "" {
			parent, ok := snapshot.Posts[post.ParentPostID]
			if !ok || parent.ScenarioID != post.ScenarioID {
				conflict = errBadPostReference
				return snapshot
			}
			parent.ReplyCount++
			snapshot.Posts[post.ParentPostID] = parent
		}
		if post.QuotedPostID != "" {
			quoted, ok := snapshot.Posts[post.QuotedPostID]
			if !ok || quoted.ScenarioID != post.ScenarioID {
				conflict = errBadPostReference
				return snapshot
			}
		}
		snapshot.Posts[post.ID] = post
		return snapshot
	}); err != nil {
		return entity.Post{}, newServiceError(opCreatePost, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errScenarioNotFound):
		return entity.Post{}, newServiceError(opCreatePost, "scenario_not_found", conflict)
	case errors.Is(conflict, errAuthorNotFound):
		return entity.Post{}, newServiceError(opCreatePost, "author_not_found", conflict)
	case conflict != nil:
		return entity.Post{}, newServiceError(opCreatePost, "bad_reference", conflict)
	}
	p.publish(post.ScenarioID, store.ChangeKindPost, post.ID)

	if !p.Networked() {
		return post, nil
	}

	authoritative, err := p.remote.CreatePost(ctx, post)
	if err != nil {
		if _, rollbackErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			delete(snapshot.Posts, post.ID)
			if post.ParentPostID != "" {
				if parent, ok := snapshot.Posts[post.ParentPostID]; ok {
					parent.ReplyCount = clampCounter(parent.ReplyCount - 1)
					snapshot.Posts[post.ParentPostID] = parent
				}
			}
			return snapshot
		}); rollbackErr != nil {
			p.logError(opCreatePost, "rollback_failed", rollbackErr, scenarioField(post.ScenarioID))
		}
		p.publish(post.ScenarioID, store.ChangeKindPost, post.ID)
		p.logError(opCreatePost, "remote_failed", err, scenarioField(post.ScenarioID))
		return entity.Post{}, newServiceError(opCreatePost, "remote_failed", err)
	}

	if authoritative.ID == "" {
		authoritative.ID = post.ID
	}
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		if authoritative.ID != post.ID {
			delete(snapshot.Posts, post.ID)
		}
		snapshot.Posts[authoritative.ID] = authoritative
		return snapshot
	}); err != nil {
		p.logError(opCreatePost, "echo_merge_failed", err, scenarioField(post.ScenarioID))
	}
	p.publish(authoritative.ScenarioID, store.ChangeKindPost, authoritative.ID)
	return authoritative, nil
}

// DeletePost removes a post, its edges, and detaches replies and quotes that
// referenced it.
func (p *Pipeline) DeletePost(ctx context.Context, scenarioID, postID string) error {
	var removed entity.Post
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		post, ok := snapshot.Posts[postID]
		if !ok || post.ScenarioID != scenarioID {
			conflict = errPostNotFound
			return snapshot
		}
		removed = post
		return snapshot.PrunePost(postID)
	}); err != nil {
		return newServiceError(opDeletePost, "store_update_failed", err)
	}
	if conflict != nil {
		return newServiceError(opDeletePost, "not_found", conflict)
	}
	p.publish(scenarioID, store.ChangeKindPost, postID)

	if !p.Networked() {
		return nil
	}

	if err := p.remote.DeletePost(ctx, scenarioID, postID); err != nil {
		if remote.IsNotFound(err) {
			// Server already dropped it; the local prune stands.
			return nil
		}
		// Reinstate the post record only. Pruned edges and detached children
		// come back with the next scenario pull; reconstructing them here
		// would race against concurrent merges.
		if _, rollbackErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			snapshot.Posts[postID] = removed
			return snapshot
		}); rollbackErr != nil {
			p.logError(opDeletePost, "rollback_failed", rollbackErr, scenarioField(scenarioID))
		}
		p.publish(scenarioID, store.ChangeKindPost, postID)
		return newServiceError(opDeletePost, "remote_failed", err)
	}
	return nil
}

// PinPost flips a post's pinned flag and maintains the scenario's ordered
// pinned-post-id list.
func (p *Pipeline) PinPost(ctx context.Context, scenarioID, postID string, pinned bool, pinOrder int) (entity.Post, error) {
	var previousPost entity.Post
	var previousScenario entity.Scenario
	var updated entity.Post
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		post, ok := snapshot.Posts[postID]
		if !ok || post.ScenarioID != scenarioID {
			conflict = errPostNotFound
			return snapshot
		}
		scenario, ok := snapshot.Scenarios[scenarioID]
		if !ok {
			conflict = errScenarioNotFound
			return snapshot
		}
		previousPost = post
		previousScenario = scenario
		post.Pinned = pinned
		post.PinOrder = pinOrder
		post.UpdatedAt = p.now()
		snapshot.Posts[postID] = post
		if scenario.Settings == nil {
			scenario.Settings = &entity.ScenarioSettings{}
		}
		scenario.Settings.PinnedPostIDs = removeString(scenario.Settings.PinnedPostIDs, postID)
		if pinned {
			scenario.Settings.PinnedPostIDs = append(scenario.Settings.PinnedPostIDs, postID)
		}
		snapshot.Scenarios[scenarioID] = scenario
		updated = post
		return snapshot
	}); err != nil {
		return entity.Post{}, newServiceError(opPinPost, "store_update_failed", err)
	}
	if conflict != nil {
		return entity.Post{}, newServiceError(opPinPost, "not_found", conflict)
	}
	p.publish(scenarioID, store.ChangeKindPost, postID)

	if !p.Networked() {
		return updated, nil
	}

	authoritative, err := p.remote.PinPost(ctx, scenarioID, postID, pinned, pinOrder)
	if err != nil {
		if _, rollbackErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			snapshot.Posts[postID] = previousPost
			snapshot.Scenarios[scenarioID] = previousScenario
			return snapshot
		}); rollbackErr != nil {
			p.logError(opPinPost, "rollback_failed", rollbackErr, scenarioField(scenarioID))
		}
		p.publish(scenarioID, store.ChangeKindPost, postID)
		return entity.Post{}, newServiceError(opPinPost, "remote_failed", err)
	}
	if authoritative.ID == "" {
		authoritative = updated
	}
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.Posts[authoritative.ID] = authoritative
		return snapshot
	}); err != nil {
		p.logError(opPinPost, "echo_merge_failed", err, scenarioField(scenarioID))
	}
	p.publish(scenarioID, store.ChangeKindPost, authoritative.ID)
	return authoritative, nil
}
