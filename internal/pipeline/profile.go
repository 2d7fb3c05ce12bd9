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
	opUpsertProfile = "pipeline.upsert_profile"
	opDeleteProfile = "pipeline.delete_profile"
	opSelectProfile = "pipeline.select_profile"
)

var (
	errProfileNotFound  = errors.New("profile not found")
	errHandleTaken      = errors.New("handle already in use within the scenario")
	errOwnerNotPlayer   = errors.New("profile owner must be a current player or empty")
	errProfileNotOwned  = errors.New("profile is not owned by the acting user")
	errProfileMismatch  = errors.New("profile does not belong to the scenario")
	errScenarioRequired = errors.New("profile requires a scenario id")
)

// UpsertProfile creates or updates a persona inside one scenario. Handles are
// unique per scenario, case-insensitively. Claiming an unclaimed profile is an
// update that sets OwnerUserID to the acting user.
func (p *Pipeline) UpsertProfile(ctx context.Context, profile entity.Profile) (entity.Profile, error) {
	if profile.ScenarioID == "" {
		return entity.Profile{}, newServiceError(opUpsertProfile, "missing_scenario", errScenarioRequired)
	}
	if err := entity.ValidateHandle(profile.Handle); err != nil {
		return entity.Profile{}, newServiceError(opUpsertProfile, "invalid_handle", err)
	}
	if strings.TrimSpace(profile.DisplayName) == "" {
		profile.DisplayName = profile.Handle
	}

	creating := profile.ID == ""
	if creating {
		id, err := p.newID(opUpsertProfile)
		if err != nil {
			return entity.Profile{}, err
		}
		profile.ID = id
		profile.CreatedAt = p.now()
		if profile.OwnerUserID == "" {
			profile.OwnerUserID = p.userID
		}
	}
	if p.Networked() {
		if err := entity.ValidateID(profile.ID); err != nil {
			return entity.Profile{}, newServiceError(opUpsertProfile, "invalid_id", err)
		}
		if err := entity.ValidateID(profile.ScenarioID); err != nil {
			return entity.Profile{}, newServiceError(opUpsertProfile, "invalid_scenario_id", err)
		}
	}
	profile.UpdatedAt = p.now()

	var previous entity.Profile
	var existed bool
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		scenario, ok := snapshot.Scenarios[profile.ScenarioID]
		if !ok {
			conflict = errScenarioNotFound
			return snapshot
		}
		if profile.OwnerUserID != "" && !scenario.HasPlayer(profile.OwnerUserID) {
			conflict = errOwnerNotPlayer
			return snapshot
		}
		if taken, ok := snapshot.ProfileByHandle(profile.ScenarioID, profile.Handle); ok && taken.ID != profile.ID {
			conflict = errHandleTaken
			return snapshot
		}
		previous, existed = snapshot.Profiles[profile.ID]
		if existed {
			profile.CreatedAt = previous.CreatedAt
		}
		snapshot.Profiles[profile.ID] = profile
		return snapshot
	}); err != nil {
		return entity.Profile{}, newServiceError(opUpsertProfile, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errScenarioNotFound):
		return entity.Profile{}, newServiceError(opUpsertProfile, "scenario_not_found", conflict)
	case errors.Is(conflict, errOwnerNotPlayer):
		return entity.Profile{}, newServiceError(opUpsertProfile, "owner_not_player", conflict)
	case conflict != nil:
		return entity.Profile{}, newServiceError(opUpsertProfile, "handle_taken", conflict)
	}
	p.publish(profile.ScenarioID, store.ChangeKindProfile, profile.ID)

	if !p.Networked() {
		return profile, nil
	}

	authoritative, err := p.remote.UpsertProfile(ctx, profile)
	if err != nil {
		if _, rollbackErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			if existed {
				snapshot.Profiles[profile.ID] = previous
			} else {
				delete(snapshot.Profiles, profile.ID)
			}
			return snapshot
		}); rollbackErr != nil {
			p.logError(opUpsertProfile, "rollback_failed", rollbackErr, scenarioField(profile.ScenarioID))
		}
		p.publish(profile.ScenarioID, store.ChangeKindProfile, profile.ID)
		p.logError(opUpsertProfile, "remote_failed", err, scenarioField(profile.ScenarioID))
		return entity.Profile{}, newServiceError(opUpsertProfile, "remote_failed", err)
	}

	if authoritative.ID == "" {
		authoritative.ID = profile.ID
	}
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		if authoritative.ID != profile.ID {
			delete(snapshot.Profiles, profile.ID)
		}
		snapshot.Profiles[authoritative.ID] = authoritative
		return snapshot
	}); err != nil {
		p.logError(opUpsertProfile, "echo_merge_failed", err, scenarioField(profile.ScenarioID))
	}
	p.publish(authoritative.ScenarioID, store.ChangeKindProfile, authoritative.ID)
	return authoritative, nil
}

// DeleteProfile removes a persona, its character sheet, and its repost/like
// edges. Authored posts remain; the scenario shows them under a retired
// persona.
func (p *Pipeline) DeleteProfile(ctx context.Context, scenarioID, profileID string) error {
	var removedProfile entity.Profile
	var removedSheet entity.CharacterSheet
	var hadSheet bool
	removedReposts := map[string]entity.Repost{}
	removedLikes := map[string]entity.Like{}
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		profile, ok := snapshot.Profiles[profileID]
		if !ok || profile.ScenarioID != scenarioID {
			conflict = errProfileNotFound
			return snapshot
		}
		if profile.OwnerUserID != "" && profile.OwnerUserID != p.userID {
			conflict = errProfileNotOwned
			return snapshot
		}
		removedProfile = profile
		delete(snapshot.Profiles, profileID)
		if sheet, ok := snapshot.Sheets[profileID]; ok {
			removedSheet, hadSheet = sheet, true
			delete(snapshot.Sheets, profileID)
		}
		for key, repost := range snapshot.Reposts {
			if repost.ProfileID == profileID {
				removedReposts[key] = repost
				delete(snapshot.Reposts, key)
				if post, ok := snapshot.Posts[repost.PostID]; ok {
					post.RepostCount = clampCounter(post.RepostCount - 1)
					snapshot.Posts[repost.PostID] = post
				}
			}
		}
		for key, like := range snapshot.Likes {
			if like.ProfileID == profileID {
				removedLikes[key] = like
				delete(snapshot.Likes, key)
				if post, ok := snapshot.Posts[like.PostID]; ok {
					post.LikeCount = clampCounter(post.LikeCount - 1)
					snapshot.Posts[like.PostID] = post
				}
			}
		}
		return snapshot
	}); err != nil {
		return newServiceError(opDeleteProfile, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errProfileNotFound):
		return newServiceError(opDeleteProfile, "not_found", conflict)
	case conflict != nil:
		return newServiceError(opDeleteProfile, "not_owned", conflict)
	}
	p.publish(scenarioID, store.ChangeKindProfile, profileID)

	if !p.Networked() {
		return nil
	}

	if err := p.remote.DeleteProfile(ctx, scenarioID, profileID); err != nil {
		if remote.IsNotFound(err) {
			return nil
		}
		if _, rollbackErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			snapshot.Profiles[profileID] = removedProfile
			if hadSheet {
				snapshot.Sheets[profileID] = removedSheet
			}
			for key, repost := range removedReposts {
				snapshot.Reposts[key] = repost
				if post, ok := snapshot.Posts[repost.PostID]; ok {
					post.RepostCount++
					snapshot.Posts[repost.PostID] = post
				}
			}
			for key, like := range removedLikes {
				snapshot.Likes[key] = like
				if post, ok := snapshot.Posts[like.PostID]; ok {
					post.LikeCount++
					snapshot.Posts[like.PostID] = post
				}
			}
			return snapshot
		}); rollbackErr != nil {
			p.logError(opDeleteProfile, "rollback_failed", rollbackErr, scenarioField(scenarioID))
		}
		p.publish(scenarioID, store.ChangeKindProfile, profileID)
		return newServiceError(opDeleteProfile, "remote_failed", err)
	}
	return nil
}

// SelectProfile records which persona the user acts through in a scenario.
// Local-only state; never sent to the remote API.
func (p *Pipeline) SelectProfile(scenarioID, profileID string) error {
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		if profileID == "" {
			delete(snapshot.SelectedProfileByScenario, scenarioID)
			return snapshot
		}
		profile, ok := snapshot.Profiles[profileID]
		if !ok {
			conflict = errProfileNotFound
			return snapshot
		}
		if profile.ScenarioID != scenarioID {
			conflict = errProfileMismatch
			return snapshot
		}
		snapshot.SelectedProfileByScenario[scenarioID] = profileID
		return snapshot
	}); err != nil {
		return newServiceError(opSelectProfile, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errProfileNotFound):
		return newServiceError(opSelectProfile, "not_found", conflict)
	case conflict != nil:
		return newServiceError(opSelectProfile, "scenario_mismatch", conflict)
	}
	return nil
}

func clampCounter(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
