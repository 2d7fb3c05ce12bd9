package pipeline

import (
	"context"
	"errors"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/remote"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
)

const (
	opToggleRepost = "pipeline.toggle_repost"
	opToggleLike   = "pipeline.toggle_like"
)

// ErrStaleReference marks a mutation whose target no longer exists
// server-side. The local cache has already been prune-corrected when this is
// returned.
var ErrStaleReference = errors.New("referenced entity no longer exists remotely")

// ToggleState is the post-toggle membership and counter value.
type ToggleState struct {
	Active bool
	Count  int
}

// ToggleRepost flips the repost edge for (profile, post). Toggling twice
// returns to the original membership and counter. A server 404 prunes the
// post locally instead of retrying.
func (p *Pipeline) ToggleRepost(ctx context.Context, profileID, postID string) (ToggleState, error) {
	return p.toggleEdge(ctx, opToggleRepost, profileID, postID)
}

// ToggleLike flips the like edge for (profile, post) with the same semantics
// as ToggleRepost.
func (p *Pipeline) ToggleLike(ctx context.Context, profileID, postID string) (ToggleState, error) {
	return p.toggleEdge(ctx, opToggleLike, profileID, postID)
}

func (p *Pipeline) toggleEdge(ctx context.Context, operation, profileID, postID string) (ToggleState, error) {
	if p.Networked() {
		if err := entity.ValidateID(profileID); err != nil {
			return ToggleState{}, newServiceError(operation, "invalid_profile_id", err)
		}
		if err := entity.ValidateID(postID); err != nil {
			return ToggleState{}, newServiceError(operation, "invalid_post_id", err)
		}
	}

	isRepost := operation == opToggleRepost

	var state ToggleState
	var scenarioID string
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		post, ok := snapshot.Posts[postID]
		if !ok {
			conflict = errPostNotFound
			return snapshot
		}
		profile, ok := snapshot.Profiles[profileID]
		if !ok || profile.ScenarioID != post.ScenarioID {
			conflict = errProfileNotFound
			return snapshot
		}
		scenarioID = post.ScenarioID
		if isRepost {
			key := entity.RepostKey(profileID, postID)
			if _, exists := snapshot.Reposts[key]; exists {
				delete(snapshot.Reposts, key)
				post.RepostCount = clampCounter(post.RepostCount - 1)
				state = ToggleState{Active: false, Count: post.RepostCount}
			} else {
				snapshot.Reposts[key] = entity.Repost{
					ScenarioID: post.ScenarioID,
					ProfileID:  profileID,
					PostID:     postID,
					CreatedAt:  p.now(),
				}
				post.RepostCount++
				state = ToggleState{Active: true, Count: post.RepostCount}
			}
		} else {
			key := entity.LikeKey(post.ScenarioID, profileID, postID)
			if _, exists := snapshot.Likes[key]; exists {
				delete(snapshot.Likes, key)
				post.LikeCount = clampCounter(post.LikeCount - 1)
				state = ToggleState{Active: false, Count: post.LikeCount}
			} else {
				snapshot.Likes[key] = entity.Like{
					ScenarioID: post.ScenarioID,
					ProfileID:  profileID,
					PostID:     postID,
					CreatedAt:  p.now(),
				}
				post.LikeCount++
				state = ToggleState{Active: true, Count: post.LikeCount}
			}
		}
		snapshot.Posts[postID] = post
		return snapshot
	}); err != nil {
		return ToggleState{}, newServiceError(operation, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errPostNotFound):
		return ToggleState{}, newServiceError(operation, "post_not_found", conflict)
	case conflict != nil:
		return ToggleState{}, newServiceError(operation, "profile_not_found", conflict)
	}
	p.publish(scenarioID, store.ChangeKindPost, postID)

	if !p.Networked() {
		return state, nil
	}

	var authoritative remote.ToggleResult
	var remoteErr error
	if isRepost {
		authoritative, remoteErr = p.remote.ToggleRepost(ctx, postID, profileID)
	} else {
		authoritative, remoteErr = p.remote.ToggleLike(ctx, postID, profileID)
	}
	if remoteErr != nil {
		if remote.IsNotFound(remoteErr) {
			// The post is gone server-side; the cache is known-wrong, so
			// prune the post and its edges instead of rolling the flip back.
			if _, pruneErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
				return snapshot.PrunePost(postID)
			}); pruneErr != nil {
				p.logError(operation, "prune_failed", pruneErr, scenarioField(scenarioID))
			}
			p.publish(scenarioID, store.ChangeKindPost, postID)
			return ToggleState{}, newServiceError(operation, "stale_reference", ErrStaleReference)
		}
		p.rollbackToggle(operation, scenarioID, profileID, postID, state, isRepost)
		p.logError(operation, "remote_failed", remoteErr, scenarioField(scenarioID))
		return ToggleState{}, newServiceError(operation, "remote_failed", remoteErr)
	}

	// Align edge membership and counter with the authoritative response.
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		post, ok := snapshot.Posts[postID]
		if !ok {
			return snapshot
		}
		if isRepost {
			key := entity.RepostKey(profileID, postID)
			_, exists := snapshot.Reposts[key]
			if authoritative.Active && !exists {
				snapshot.Reposts[key] = entity.Repost{
					ScenarioID: post.ScenarioID,
					ProfileID:  profileID,
					PostID:     postID,
					CreatedAt:  p.now(),
				}
			} else if !authoritative.Active && exists {
				delete(snapshot.Reposts, key)
			}
			post.RepostCount = clampCounter(authoritative.Count)
		} else {
			key := entity.LikeKey(post.ScenarioID, profileID, postID)
			_, exists := snapshot.Likes[key]
			if authoritative.Active && !exists {
				snapshot.Likes[key] = entity.Like{
					ScenarioID: post.ScenarioID,
					ProfileID:  profileID,
					PostID:     postID,
					CreatedAt:  p.now(),
				}
			} else if !authoritative.Active && exists {
				delete(snapshot.Likes, key)
			}
			post.LikeCount = clampCounter(authoritative.Count)
		}
		snapshot.Posts[postID] = post
		return snapshot
	}); err != nil {
		p.logError(operation, "echo_merge_failed", err, scenarioField(scenarioID))
	}
	p.publish(scenarioID, store.ChangeKindPost, postID)
	return ToggleState{Active: authoritative.Active, Count: clampCounter(authoritative.Count)}, nil
}

// rollbackToggle undoes exactly the optimistic flip: membership returns to its
// pre-toggle side and the counter steps back by one, clamped at zero.
func (p *Pipeline) rollbackToggle(operation, scenarioID, profileID, postID string, applied ToggleState, isRepost bool) {
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		post, ok := snapshot.Posts[postID]
		if !ok {
			return snapshot
		}
		if isRepost {
			key := entity.RepostKey(profileID, postID)
			if applied.Active {
				delete(snapshot.Reposts, key)
				post.RepostCount = clampCounter(post.RepostCount - 1)
			} else {
				snapshot.Reposts[key] = entity.Repost{
					ScenarioID: post.ScenarioID,
					ProfileID:  profileID,
					PostID:     postID,
					CreatedAt:  p.now(),
				}
				post.RepostCount++
			}
		} else {
			key := entity.LikeKey(post.ScenarioID, profileID, postID)
			if applied.Active {
				delete(snapshot.Likes, key)
				post.LikeCount = clampCounter(post.LikeCount - 1)
			} else {
				snapshot.Likes[key] = entity.Like{
					ScenarioID: post.ScenarioID,
					ProfileID:  profileID,
					PostID:     postID,
					CreatedAt:  p.now(),
				}
				post.LikeCount++
			}
		}
		snapshot.Posts[postID] = post
		return snapshot
	}); err != nil {
		p.logError(operation, "rollback_failed", err, scenarioField(scenarioID))
	}
	p.publish(scenarioID, store.ChangeKindPost, postID)
}
