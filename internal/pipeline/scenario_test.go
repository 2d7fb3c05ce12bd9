package pipeline

import (
	"context"
	"testing"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

func TestUpsertScenarioMintsIdentityOnCreate(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)

	scenario, err := servicePipeline.UpsertScenario(context.Background(), entity.Scenario{Name: "Shadowfen"})
	if err != nil {
		testContext.Fatalf("failed to create scenario: %v", err)
	}
	if scenario.ID == "" {
		testContext.Fatalf("expected a minted scenario id")
	}
	if scenario.InviteCode == "" {
		testContext.Fatalf("expected a minted invite code")
	}
	if scenario.OwnerUserID != "user-1" {
		testContext.Fatalf("expected acting user as owner, got %q", scenario.OwnerUserID)
	}
	if scenario.Mode != entity.ScenarioModeStory {
		testContext.Fatalf("expected story mode default, got %q", scenario.Mode)
	}
	if len(scenario.PlayerUserIDs) != 1 || scenario.PlayerUserIDs[0] != "user-1" {
		testContext.Fatalf("expected owner listed as sole player, got %v", scenario.PlayerUserIDs)
	}

	snapshot := entityStore.Read()
	if _, ok := snapshot.Scenarios[scenario.ID]; !ok {
		testContext.Fatalf("expected scenario %q stored", scenario.ID)
	}
}

func TestUpsertScenarioRejectsNonOwnerUpdates(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		scenario := snapshot.Scenarios["scn-1"]
		scenario.OwnerUserID = "user-2"
		snapshot.Scenarios["scn-1"] = scenario
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to reassign owner: %v", err)
	}

	_, err := servicePipeline.UpsertScenario(context.Background(), entity.Scenario{ID: "scn-1", Name: "Renamed"})
	if code := serviceCode(testContext, err); code != "pipeline.upsert_scenario.not_owner" {
		testContext.Fatalf("expected not_owner, got %q", code)
	}

	_, err = servicePipeline.UpsertScenario(context.Background(), entity.Scenario{Name: "Bad Mode", Mode: "sandbox"})
	if code := serviceCode(testContext, err); code != "pipeline.upsert_scenario.invalid_mode" {
		testContext.Fatalf("expected invalid_mode, got %q", code)
	}
}

func TestLeaveScenarioOwnerMustTransferFirst(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)

	err := servicePipeline.LeaveScenario(context.Background(), "scn-1")
	if code := serviceCode(testContext, err); code != "pipeline.leave_scenario.owner_must_transfer" {
		testContext.Fatalf("expected owner_must_transfer, got %q", code)
	}

	transferred, err := servicePipeline.TransferOwnership(context.Background(), "scn-1", "user-2")
	if err != nil {
		testContext.Fatalf("failed to transfer ownership: %v", err)
	}
	if transferred.OwnerUserID != "user-2" {
		testContext.Fatalf("expected user-2 as owner, got %q", transferred.OwnerUserID)
	}

	if err := servicePipeline.LeaveScenario(context.Background(), "scn-1"); err != nil {
		testContext.Fatalf("failed to leave after transfer: %v", err)
	}

	snapshot := entityStore.Read()
	scenario := snapshot.Scenarios["scn-1"]
	if scenario.HasPlayer("user-1") {
		testContext.Fatalf("expected user-1 removed from players, got %v", scenario.PlayerUserIDs)
	}
	if released := snapshot.Profiles["prf-1"]; released.OwnerUserID != "" {
		testContext.Fatalf("expected prf-1 released to unclaimed, got owner %q", released.OwnerUserID)
	}
}

func TestLeaveScenarioSoleOwnerDeletesScenario(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.Scenarios["scn-solo"] = entity.Scenario{
			ID:            "scn-solo",
			Name:          "Solo",
			OwnerUserID:   "user-1",
			Mode:          entity.ScenarioModeStory,
			PlayerUserIDs: []string{"user-1"},
		}
		snapshot.Posts["pst-solo"] = entity.Post{ID: "pst-solo", ScenarioID: "scn-solo", Text: "gone"}
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to seed scenario: %v", err)
	}

	if err := servicePipeline.LeaveScenario(context.Background(), "scn-solo"); err != nil {
		testContext.Fatalf("failed to leave as sole owner: %v", err)
	}

	snapshot := entityStore.Read()
	if _, ok := snapshot.Scenarios["scn-solo"]; ok {
		testContext.Fatalf("expected scenario deleted")
	}
	if _, ok := snapshot.Posts["pst-solo"]; ok {
		testContext.Fatalf("expected scenario posts deleted")
	}
}

func TestTransferOwnershipRequiresCurrentPlayer(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)

	_, err := servicePipeline.TransferOwnership(context.Background(), "scn-1", "user-9")
	if code := serviceCode(testContext, err); code != "pipeline.transfer_ownership.new_owner_not_player" {
		testContext.Fatalf("expected new_owner_not_player, got %q", code)
	}
}

func TestSetScenarioTagsKeepsFirstRegisteredTag(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.GlobalTags["noir"] = entity.GlobalTag{Key: "noir", Name: "Noir Classic", Color: "#111111"}
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to seed global tag: %v", err)
	}

	updated, err := servicePipeline.SetScenarioTags("scn-1", []entity.GlobalTag{
		{Name: "Noir", Color: "#ff0000"},
		{Name: "Mystery", Color: "#00ff00"},
		{Name: "   "},
	})
	if err != nil {
		testContext.Fatalf("failed to set tags: %v", err)
	}
	if len(updated.TagKeys) != 2 || updated.TagKeys[0] != "noir" || updated.TagKeys[1] != "mystery" {
		testContext.Fatalf("expected tag keys [noir mystery], got %v", updated.TagKeys)
	}

	snapshot := entityStore.Read()
	if registered := snapshot.GlobalTags["noir"]; registered.Name != "Noir Classic" || registered.Color != "#111111" {
		testContext.Fatalf("expected existing registry entry to win, got %+v", registered)
	}
	scenarioTag := snapshot.ScenarioTags[entity.ScenarioTagKey("scn-1", "noir")]
	if scenarioTag.Name != "Noir Classic" {
		testContext.Fatalf("expected scenario tag denormalized from registry, got %+v", scenarioTag)
	}
	if _, ok := snapshot.GlobalTags["mystery"]; !ok {
		testContext.Fatalf("expected new tag registered globally")
	}
}
