package pipeline

import (
	"context"
	"testing"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

func TestUpsertProfileRejectsDuplicateHandle(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)

	_, err := servicePipeline.UpsertProfile(context.Background(), entity.Profile{
		ScenarioID: "scn-1",
		Handle:     "ALICE",
	})
	if code := serviceCode(testContext, err); code != "pipeline.upsert_profile.handle_taken" {
		testContext.Fatalf("expected handle_taken, got %q", code)
	}

	created, err := servicePipeline.UpsertProfile(context.Background(), entity.Profile{
		ScenarioID: "scn-1",
		Handle:     "cora",
	})
	if err != nil {
		testContext.Fatalf("failed to create profile: %v", err)
	}
	if created.OwnerUserID != "user-1" {
		testContext.Fatalf("expected acting user as owner, got %q", created.OwnerUserID)
	}
	if created.DisplayName != "cora" {
		testContext.Fatalf("expected handle used as display name, got %q", created.DisplayName)
	}

	// Renaming the existing profile to its own handle is not a collision.
	existing := entityStore.Read().Profiles["prf-1"]
	existing.DisplayName = "Alice of the Fen"
	if _, err := servicePipeline.UpsertProfile(context.Background(), existing); err != nil {
		testContext.Fatalf("failed to update profile in place: %v", err)
	}
}

func TestUpsertProfileRejectsOwnersOutsidePlayerSet(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)

	_, err := servicePipeline.UpsertProfile(context.Background(), entity.Profile{
		ScenarioID:  "scn-1",
		Handle:      "drifter",
		OwnerUserID: "user-9",
	})
	if code := serviceCode(testContext, err); code != "pipeline.upsert_profile.owner_not_player" {
		testContext.Fatalf("expected owner_not_player, got %q", code)
	}
}

func TestDeleteProfileCleansEdgesAndCounters(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		post := snapshot.Posts["pst-1"]
		post.RepostCount = 1
		post.LikeCount = 1
		snapshot.Posts["pst-1"] = post
		snapshot.Reposts[entity.RepostKey("prf-1", "pst-1")] = entity.Repost{ScenarioID: "scn-1", ProfileID: "prf-1", PostID: "pst-1"}
		snapshot.Likes[entity.LikeKey("scn-1", "prf-1", "pst-1")] = entity.Like{ScenarioID: "scn-1", ProfileID: "prf-1", PostID: "pst-1"}
		snapshot.Sheets["prf-1"] = entity.CharacterSheet{ProfileID: "prf-1", ScenarioID: "scn-1", Name: "Alice"}
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to seed edges: %v", err)
	}

	if err := servicePipeline.DeleteProfile(context.Background(), "scn-1", "prf-1"); err != nil {
		testContext.Fatalf("failed to delete profile: %v", err)
	}

	snapshot := entityStore.Read()
	if _, ok := snapshot.Profiles["prf-1"]; ok {
		testContext.Fatalf("expected profile removed")
	}
	if _, ok := snapshot.Sheets["prf-1"]; ok {
		testContext.Fatalf("expected sheet removed with profile")
	}
	if len(snapshot.Reposts) != 0 || len(snapshot.Likes) != 0 {
		testContext.Fatalf("expected edges removed, got %d reposts %d likes", len(snapshot.Reposts), len(snapshot.Likes))
	}
	post, ok := snapshot.Posts["pst-1"]
	if !ok {
		testContext.Fatalf("expected authored post to remain")
	}
	if post.RepostCount != 0 || post.LikeCount != 0 {
		testContext.Fatalf("expected counters decremented, got reposts=%d likes=%d", post.RepostCount, post.LikeCount)
	}
}

func TestDeleteProfileRejectsForeignProfiles(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)

	err := servicePipeline.DeleteProfile(context.Background(), "scn-1", "prf-2")
	if code := serviceCode(testContext, err); code != "pipeline.delete_profile.not_owned" {
		testContext.Fatalf("expected not_owned, got %q", code)
	}

	err = servicePipeline.DeleteProfile(context.Background(), "scn-9", "prf-1")
	if code := serviceCode(testContext, err); code != "pipeline.delete_profile.not_found" {
		testContext.Fatalf("expected not_found for scenario mismatch, got %q", code)
	}
}

func TestSelectProfileTracksActivePersona(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)

	if err := servicePipeline.SelectProfile("scn-1", "prf-1"); err != nil {
		testContext.Fatalf("failed to select profile: %v", err)
	}
	if selected := entityStore.Read().SelectedProfileByScenario["scn-1"]; selected != "prf-1" {
		testContext.Fatalf("expected prf-1 selected, got %q", selected)
	}

	err := servicePipeline.SelectProfile("scn-2", "prf-1")
	if code := serviceCode(testContext, err); code != "pipeline.select_profile.scenario_mismatch" {
		testContext.Fatalf("expected scenario_mismatch, got %q", code)
	}

	if err := servicePipeline.SelectProfile("scn-1", ""); err != nil {
		testContext.Fatalf("failed to clear selection: %v", err)
	}
	if _, ok := entityStore.Read().SelectedProfileByScenario["scn-1"]; ok {
		testContext.Fatalf("expected selection cleared")
	}
}

func TestUpsertCharacterSheetBindsToProfileScenario(testContext *testing.T) {
	servicePipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)

	sheet, err := servicePipeline.UpsertCharacterSheet(context.Background(), entity.CharacterSheet{
		ProfileID: "prf-1",
		Name:      "Alice",
	})
	if err != nil {
		testContext.Fatalf("failed to upsert sheet: %v", err)
	}
	if sheet.ScenarioID != "scn-1" {
		testContext.Fatalf("expected scenario id copied from profile, got %q", sheet.ScenarioID)
	}

	_, err = servicePipeline.UpsertCharacterSheet(context.Background(), entity.CharacterSheet{ProfileID: "prf-1"})
	if code := serviceCode(testContext, err); code != "pipeline.upsert_character_sheet.missing_name" {
		testContext.Fatalf("expected missing_name, got %q", code)
	}

	if err := servicePipeline.DeleteCharacterSheet(context.Background(), "prf-1"); err != nil {
		testContext.Fatalf("failed to delete sheet: %v", err)
	}
	if _, ok := entityStore.Read().Sheets["prf-1"]; ok {
		testContext.Fatalf("expected sheet removed")
	}

	err = servicePipeline.DeleteCharacterSheet(context.Background(), "prf-1")
	if code := serviceCode(testContext, err); code != "pipeline.delete_character_sheet.not_found" {
		testContext.Fatalf("expected not_found, got %q", code)
	}
}
