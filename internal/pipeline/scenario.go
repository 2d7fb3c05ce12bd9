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
	opUpsertScenario    = "pipeline.upsert_scenario"
	opDeleteScenario    = "pipeline.delete_scenario"
	opJoinScenario      = "pipeline.join_scenario"
	opLeaveScenario     = "pipeline.leave_scenario"
	opTransferOwnership = "pipeline.transfer_ownership"
	opSetScenarioTags   = "pipeline.set_scenario_tags"
	opSetNotifPrefs     = "pipeline.set_notification_prefs"
)

var (
	errScenarioNotFound  = errors.New("scenario not found")
	errNotScenarioOwner  = errors.New("only the owner may perform this action")
	errOwnerMustTransfer = errors.New("owner must transfer ownership before leaving")
	errNotAPlayer        = errors.New("user is not a player of the scenario")
	errMissingName       = errors.New("scenario name is required")
	errInvalidMode       = errors.New("scenario mode must be story or campaign")
)

// UpsertScenario creates or updates a scenario record. Creation fills the id,
// invite code, owner, and timestamps; updates require the acting user to own
// the scenario.
func (p *Pipeline) UpsertScenario(ctx context.Context, scenario entity.Scenario) (entity.Scenario, error) {
	if strings.TrimSpace(scenario.Name) == "" {
		return entity.Scenario{}, newServiceError(opUpsertScenario, "missing_name", errMissingName)
	}
	if scenario.Mode == "" {
		scenario.Mode = entity.ScenarioModeStory
	}
	if scenario.Mode != entity.ScenarioModeStory && scenario.Mode != entity.ScenarioModeCampaign {
		return entity.Scenario{}, newServiceError(opUpsertScenario, "invalid_mode", errInvalidMode)
	}

	creating := scenario.ID == ""
	if creating {
		id, err := p.newID(opUpsertScenario)
		if err != nil {
			return entity.Scenario{}, err
		}
		scenario.ID = id
		scenario.CreatedAt = p.now()
	}
	if p.Networked() {
		if err := entity.ValidateID(scenario.ID); err != nil {
			return entity.Scenario{}, newServiceError(opUpsertScenario, "invalid_id", err)
		}
	}
	if scenario.OwnerUserID == "" {
		scenario.OwnerUserID = p.userID
	}
	if !scenario.HasPlayer(scenario.OwnerUserID) {
		scenario.PlayerUserIDs = append(scenario.PlayerUserIDs, scenario.OwnerUserID)
	}
	if scenario.InviteCode == "" {
		code, err := p.newInviteCode()
		if err != nil {
			return entity.Scenario{}, newServiceError(opUpsertScenario, "invite_code_failed", err)
		}
		scenario.InviteCode = code
	}
	scenario.UpdatedAt = p.now()

	var previous entity.Scenario
	var existed bool
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		previous, existed = snapshot.Scenarios[scenario.ID]
		if existed {
			if previous.OwnerUserID != p.userID {
				conflict = errNotScenarioOwner
				return snapshot
			}
			scenario.CreatedAt = previous.CreatedAt
		}
		snapshot.Scenarios[scenario.ID] = scenario
		return snapshot
	}); err != nil {
		return entity.Scenario{}, newServiceError(opUpsertScenario, "store_update_failed", err)
	}
	if conflict != nil {
		return entity.Scenario{}, newServiceError(opUpsertScenario, "not_owner", conflict)
	}
	p.publish(scenario.ID, store.ChangeKindScenario, scenario.ID)

	if !p.Networked() {
		return scenario, nil
	}

	authoritative, err := p.remote.UpsertScenario(ctx, scenario)
	if err != nil {
		p.rollbackScenario(scenario.ID, previous, existed)
		p.logError(opUpsertScenario, "remote_failed", err, scenarioField(scenario.ID))
		return entity.Scenario{}, newServiceError(opUpsertScenario, "remote_failed", err)
	}
	merged := p.mergeScenarioEcho(scenario.ID, authoritative)
	return merged, nil
}

// DeleteScenario removes a scenario and cascades over its whole subgraph.
// Only the owner may delete.
func (p *Pipeline) DeleteScenario(ctx context.Context, scenarioID string) error {
	var removed capturedSubgraph
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		scenario, ok := snapshot.Scenarios[scenarioID]
		if !ok {
			conflict = errScenarioNotFound
			return snapshot
		}
		if scenario.OwnerUserID != p.userID {
			conflict = errNotScenarioOwner
			return snapshot
		}
		removed = captureSubgraph(snapshot, scenarioID)
		return snapshot.PruneScenario(scenarioID)
	}); err != nil {
		return newServiceError(opDeleteScenario, "store_update_failed", err)
	}
	if errors.Is(conflict, errScenarioNotFound) {
		return newServiceError(opDeleteScenario, "not_found", conflict)
	}
	if conflict != nil {
		return newServiceError(opDeleteScenario, "not_owner", conflict)
	}
	p.publish(scenarioID, store.ChangeKindScenario, scenarioID)

	if !p.Networked() {
		return nil
	}

	if err := p.remote.DeleteScenario(ctx, scenarioID); err != nil {
		if remote.IsNotFound(err) {
			// Already gone server-side; the local prune stands.
			return nil
		}
		p.restoreSubgraph(removed)
		p.logError(opDeleteScenario, "remote_failed", err, scenarioField(scenarioID))
		return newServiceError(opDeleteScenario, "remote_failed", err)
	}
	return nil
}

// JoinScenario adds the acting user to the scenario's player set.
func (p *Pipeline) JoinScenario(ctx context.Context, scenarioID string) (entity.Scenario, error) {
	var joined entity.Scenario
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		scenario, ok := snapshot.Scenarios[scenarioID]
		if !ok {
			conflict = errScenarioNotFound
			return snapshot
		}
		if !scenario.HasPlayer(p.userID) {
			scenario.PlayerUserIDs = append(scenario.PlayerUserIDs, p.userID)
			scenario.UpdatedAt = p.now()
			snapshot.Scenarios[scenarioID] = scenario
		}
		joined = scenario
		return snapshot
	}); err != nil {
		return entity.Scenario{}, newServiceError(opJoinScenario, "store_update_failed", err)
	}
	if conflict != nil {
		return entity.Scenario{}, newServiceError(opJoinScenario, "not_found", conflict)
	}
	p.publish(scenarioID, store.ChangeKindScenario, scenarioID)

	if !p.Networked() {
		return joined, nil
	}

	authoritative, err := p.remote.JoinScenario(ctx, scenarioID)
	if err != nil {
		p.logError(opJoinScenario, "remote_failed", err, scenarioField(scenarioID))
		return entity.Scenario{}, newServiceError(opJoinScenario, "remote_failed", err)
	}
	return p.mergeScenarioEcho(scenarioID, authoritative), nil
}

// LeaveScenario removes the acting user from the player set, releasing owned
// profiles back to unclaimed. An owner with other players present must
// transfer ownership first; a sole-player owner leaving deletes the scenario.
func (p *Pipeline) LeaveScenario(ctx context.Context, scenarioID string) error {
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		scenario, ok := snapshot.Scenarios[scenarioID]
		if !ok {
			conflict = errScenarioNotFound
			return snapshot
		}
		if !scenario.HasPlayer(p.userID) {
			conflict = errNotAPlayer
			return snapshot
		}
		if scenario.OwnerUserID == p.userID {
			if len(scenario.PlayerUserIDs) > 1 {
				conflict = errOwnerMustTransfer
				return snapshot
			}
			return snapshot.PruneScenario(scenarioID)
		}
		scenario.PlayerUserIDs = removeString(scenario.PlayerUserIDs, p.userID)
		scenario.GMUserIDs = removeString(scenario.GMUserIDs, p.userID)
		scenario.UpdatedAt = p.now()
		snapshot.Scenarios[scenarioID] = scenario
		for key, profile := range snapshot.Profiles {
			if profile.ScenarioID == scenarioID && profile.OwnerUserID == p.userID {
				profile.OwnerUserID = ""
				profile.UpdatedAt = p.now()
				snapshot.Profiles[key] = profile
			}
		}
		delete(snapshot.SelectedProfileByScenario, scenarioID)
		return snapshot
	}); err != nil {
		return newServiceError(opLeaveScenario, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errScenarioNotFound):
		return newServiceError(opLeaveScenario, "not_found", conflict)
	case errors.Is(conflict, errNotAPlayer):
		return newServiceError(opLeaveScenario, "not_a_player", conflict)
	case conflict != nil:
		return newServiceError(opLeaveScenario, "owner_must_transfer", conflict)
	}
	p.publish(scenarioID, store.ChangeKindScenario, scenarioID)

	if !p.Networked() {
		return nil
	}

	if err := p.remote.LeaveScenario(ctx, scenarioID); err != nil && !remote.IsNotFound(err) {
		// The local leave stands; the next sync reconciles membership.
		p.logError(opLeaveScenario, "remote_failed", err, scenarioField(scenarioID))
		return newServiceError(opLeaveScenario, "remote_failed", err)
	}
	return nil
}

// TransferOwnership hands the scenario to another current player.
func (p *Pipeline) TransferOwnership(ctx context.Context, scenarioID, newOwnerUserID string) (entity.Scenario, error) {
	var previous entity.Scenario
	var updated entity.Scenario
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		scenario, ok := snapshot.Scenarios[scenarioID]
		if !ok {
			conflict = errScenarioNotFound
			return snapshot
		}
		if scenario.OwnerUserID != p.userID {
			conflict = errNotScenarioOwner
			return snapshot
		}
		if !scenario.HasPlayer(newOwnerUserID) {
			conflict = errNotAPlayer
			return snapshot
		}
		previous = scenario
		scenario.OwnerUserID = newOwnerUserID
		scenario.UpdatedAt = p.now()
		snapshot.Scenarios[scenarioID] = scenario
		updated = scenario
		return snapshot
	}); err != nil {
		return entity.Scenario{}, newServiceError(opTransferOwnership, "store_update_failed", err)
	}
	switch {
	case errors.Is(conflict, errScenarioNotFound):
		return entity.Scenario{}, newServiceError(opTransferOwnership, "not_found", conflict)
	case errors.Is(conflict, errNotScenarioOwner):
		return entity.Scenario{}, newServiceError(opTransferOwnership, "not_owner", conflict)
	case conflict != nil:
		return entity.Scenario{}, newServiceError(opTransferOwnership, "new_owner_not_player", conflict)
	}
	p.publish(scenarioID, store.ChangeKindScenario, scenarioID)

	if !p.Networked() {
		return updated, nil
	}

	authoritative, err := p.remote.TransferOwnership(ctx, scenarioID, newOwnerUserID)
	if err != nil {
		p.rollbackScenario(scenarioID, previous, true)
		p.logError(opTransferOwnership, "remote_failed", err, scenarioField(scenarioID))
		return entity.Scenario{}, newServiceError(opTransferOwnership, "remote_failed", err)
	}
	return p.mergeScenarioEcho(scenarioID, authoritative), nil
}

// SetScenarioTags replaces a scenario's tag list. New tags are upserted into
// the shared registry first-writer-wins; scenario tags keep a denormalized
// name/color copy for offline display.
func (p *Pipeline) SetScenarioTags(scenarioID string, tags []entity.GlobalTag) (entity.Scenario, error) {
	var updated entity.Scenario
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		scenario, ok := snapshot.Scenarios[scenarioID]
		if !ok {
			conflict = errScenarioNotFound
			return snapshot
		}
		for key, tag := range snapshot.ScenarioTags {
			if tag.ScenarioID == scenarioID {
				delete(snapshot.ScenarioTags, key)
			}
		}
		keys := make([]string, 0, len(tags))
		for _, tag := range tags {
			key := entity.NormalizeTagKey(tag.Name)
			if key == "" {
				continue
			}
			if _, exists := snapshot.GlobalTags[key]; !exists {
				snapshot.GlobalTags[key] = entity.GlobalTag{
					Key:       key,
					Name:      tag.Name,
					Color:     tag.Color,
					CreatedAt: p.now(),
				}
			}
			registered := snapshot.GlobalTags[key]
			snapshot.ScenarioTags[entity.ScenarioTagKey(scenarioID, key)] = entity.ScenarioTag{
				ScenarioID: scenarioID,
				Key:        key,
				Name:       registered.Name,
				Color:      registered.Color,
			}
			keys = append(keys, key)
		}
		scenario.TagKeys = keys
		scenario.UpdatedAt = p.now()
		snapshot.Scenarios[scenarioID] = scenario
		updated = scenario
		return snapshot
	}); err != nil {
		return entity.Scenario{}, newServiceError(opSetScenarioTags, "store_update_failed", err)
	}
	if conflict != nil {
		return entity.Scenario{}, newServiceError(opSetScenarioTags, "not_found", conflict)
	}
	p.publish(scenarioID, store.ChangeKindScenario, scenarioID)
	return updated, nil
}

// SetNotificationPrefs stores scenario mute settings locally and pushes them
// to the remote API when networked.
func (p *Pipeline) SetNotificationPrefs(ctx context.Context, scenarioID string, prefs entity.NotificationPrefs) error {
	var previous entity.NotificationPrefs
	var existed bool
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		previous, existed = snapshot.NotificationPrefs[scenarioID]
		snapshot.NotificationPrefs[scenarioID] = prefs
		return snapshot
	}); err != nil {
		return newServiceError(opSetNotifPrefs, "store_update_failed", err)
	}

	if !p.Networked() {
		return nil
	}

	if err := p.remote.SetNotificationPrefs(ctx, scenarioID, prefs); err != nil {
		if _, rollbackErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			if existed {
				snapshot.NotificationPrefs[scenarioID] = previous
			} else {
				delete(snapshot.NotificationPrefs, scenarioID)
			}
			return snapshot
		}); rollbackErr != nil {
			p.logError(opSetNotifPrefs, "rollback_failed", rollbackErr, scenarioField(scenarioID))
		}
		return newServiceError(opSetNotifPrefs, "remote_failed", err)
	}
	return nil
}

func (p *Pipeline) mergeScenarioEcho(scenarioID string, authoritative entity.Scenario) entity.Scenario {
	if authoritative.ID == "" {
		authoritative.ID = scenarioID
	}
	merged := authoritative
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		if authoritative.ID != scenarioID {
			delete(snapshot.Scenarios, scenarioID)
		}
		snapshot.Scenarios[authoritative.ID] = authoritative
		return snapshot
	}); err != nil {
		p.logError(opUpsertScenario, "echo_merge_failed", err, scenarioField(scenarioID))
	}
	p.publish(authoritative.ID, store.ChangeKindScenario, authoritative.ID)
	return merged
}

func (p *Pipeline) rollbackScenario(scenarioID string, previous entity.Scenario, existed bool) {
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		if existed {
			snapshot.Scenarios[scenarioID] = previous
		} else {
			delete(snapshot.Scenarios, scenarioID)
		}
		return snapshot
	}); err != nil {
		p.logError(opUpsertScenario, "rollback_failed", err, scenarioField(scenarioID))
	}
	p.publish(scenarioID, store.ChangeKindScenario, scenarioID)
}

// newInviteCode derives a short shareable code from a freshly minted id.
func (p *Pipeline) newInviteCode() (string, error) {
	id, err := p.idProvider.NewID()
	if err != nil {
		return "", err
	}
	compact := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(compact) > 8 {
		compact = compact[len(compact)-8:]
	}
	return compact, nil
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, value := range values {
		if value != target {
			out = append(out, value)
		}
	}
	return out
}
