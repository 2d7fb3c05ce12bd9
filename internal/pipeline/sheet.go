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
	opUpsertSheet = "pipeline.upsert_character_sheet"
	opDeleteSheet = "pipeline.delete_character_sheet"
)

var (
	errSheetName     = errors.New("character sheet requires a name")
	errSheetNotFound = errors.New("character sheet not found")
)

// UpsertCharacterSheet creates or replaces the 1:1 sheet for a profile.
func (p *Pipeline) UpsertCharacterSheet(ctx context.Context, sheet entity.CharacterSheet) (entity.CharacterSheet, error) {
	if strings.TrimSpace(sheet.Name) == "" {
		return entity.CharacterSheet{}, newServiceError(opUpsertSheet, "missing_name", errSheetName)
	}
	if p.Networked() {
		if err := entity.ValidateID(sheet.ProfileID); err != nil {
			return entity.CharacterSheet{}, newServiceError(opUpsertSheet, "invalid_profile_id", err)
		}
	}
	sheet.UpdatedAt = p.now()

	var previous entity.CharacterSheet
	var existed bool
	var conflict error
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		profile, ok := snapshot.Profiles[sheet.ProfileID]
		if !ok {
			conflict = errProfileNotFound
			return snapshot
		}
		sheet.ScenarioID = profile.ScenarioID
		previous, existed = snapshot.Sheets[sheet.ProfileID]
		snapshot.Sheets[sheet.ProfileID] = sheet
		return snapshot
	}); err != nil {
		return entity.CharacterSheet{}, newServiceError(opUpsertSheet, "store_update_failed", err)
	}
	if conflict != nil {
		return entity.CharacterSheet{}, newServiceError(opUpsertSheet, "profile_not_found", conflict)
	}
	p.publish(sheet.ScenarioID, store.ChangeKindSheet, sheet.ProfileID)

	if !p.Networked() {
		return sheet, nil
	}

	authoritative, err := p.remote.UpsertCharacterSheet(ctx, sheet)
	if err != nil {
		if _, rollbackErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			if existed {
				snapshot.Sheets[sheet.ProfileID] = previous
			} else {
				delete(snapshot.Sheets, sheet.ProfileID)
			}
			return snapshot
		}); rollbackErr != nil {
			p.logError(opUpsertSheet, "rollback_failed", rollbackErr, scenarioField(sheet.ScenarioID))
		}
		p.publish(sheet.ScenarioID, store.ChangeKindSheet, sheet.ProfileID)
		p.logError(opUpsertSheet, "remote_failed", err, scenarioField(sheet.ScenarioID))
		return entity.CharacterSheet{}, newServiceError(opUpsertSheet, "remote_failed", err)
	}
	if authoritative.ProfileID == "" {
		authoritative = sheet
	}
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.Sheets[authoritative.ProfileID] = authoritative
		return snapshot
	}); err != nil {
		p.logError(opUpsertSheet, "echo_merge_failed", err, scenarioField(sheet.ScenarioID))
	}
	p.publish(authoritative.ScenarioID, store.ChangeKindSheet, authoritative.ProfileID)
	return authoritative, nil
}

// DeleteCharacterSheet removes a profile's sheet. A server 404 is treated as
// already-deleted.
func (p *Pipeline) DeleteCharacterSheet(ctx context.Context, profileID string) error {
	var previous entity.CharacterSheet
	var existed bool
	var scenarioID string
	if _, err := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		previous, existed = snapshot.Sheets[profileID]
		scenarioID = previous.ScenarioID
		delete(snapshot.Sheets, profileID)
		return snapshot
	}); err != nil {
		return newServiceError(opDeleteSheet, "store_update_failed", err)
	}
	if !existed {
		return newServiceError(opDeleteSheet, "not_found", errSheetNotFound)
	}
	p.publish(scenarioID, store.ChangeKindSheet, profileID)

	if !p.Networked() {
		return nil
	}

	if err := p.remote.DeleteCharacterSheet(ctx, profileID); err != nil && !remote.IsNotFound(err) {
		if _, rollbackErr := p.store.Update(func(snapshot entity.Snapshot) entity.Snapshot {
			snapshot.Sheets[profileID] = previous
			return snapshot
		}); rollbackErr != nil {
			p.logError(opDeleteSheet, "rollback_failed", rollbackErr, scenarioField(scenarioID))
		}
		p.publish(scenarioID, store.ChangeKindSheet, profileID)
		return newServiceError(opDeleteSheet, "remote_failed", err)
	}
	return nil
}
