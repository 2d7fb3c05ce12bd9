package database

import (
	"fmt"
	"testing"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

func TestFeedIndexListsRootPostsNewestFirst(testContext *testing.T) {
	database := openTestDatabase(testContext)
	feedIndex, err := NewFeedIndex(database)
	if err != nil {
		testContext.Fatalf("failed to construct feed index: %v", err)
	}

	snapshot := entity.NewSnapshot()
	for i := 0; i < 5; i++ {
		postID := fmt.Sprintf("pst-%d", i)
		snapshot.Posts[postID] = entity.Post{
			ID:              postID,
			ScenarioID:      "scn-1",
			AuthorProfileID: "prf-1",
			Text:            "entry",
			CreatedAt:       int64(100 + i),
		}
	}
	snapshot.Posts["pst-reply"] = entity.Post{
		ID:              "pst-reply",
		ScenarioID:      "scn-1",
		AuthorProfileID: "prf-1",
		ParentPostID:    "pst-0",
		Text:            "reply",
		CreatedAt:       999,
	}
	snapshot.Posts["pst-other"] = entity.Post{
		ID:              "pst-other",
		ScenarioID:      "scn-2",
		AuthorProfileID: "prf-2",
		Text:            "elsewhere",
		CreatedAt:       500,
	}

	if err := feedIndex.Refresh(snapshot); err != nil {
		testContext.Fatalf("failed to refresh feed index: %v", err)
	}

	page, err := feedIndex.ListFeed("scn-1", 0, 3)
	if err != nil {
		testContext.Fatalf("failed to list feed: %v", err)
	}
	if !page.HasMore {
		testContext.Fatalf("expected more pages")
	}
	expected := []string{"pst-4", "pst-3", "pst-2"}
	if len(page.PostIDs) != len(expected) {
		testContext.Fatalf("expected %d posts, got %d", len(expected), len(page.PostIDs))
	}
	for i, postID := range expected {
		if page.PostIDs[i] != postID {
			testContext.Fatalf("expected post %q at index %d, got %q", postID, i, page.PostIDs[i])
		}
	}

	page, err = feedIndex.ListFeed("scn-1", 3, 3)
	if err != nil {
		testContext.Fatalf("failed to list second page: %v", err)
	}
	if page.HasMore {
		testContext.Fatalf("expected final page")
	}
	if len(page.PostIDs) != 2 {
		testContext.Fatalf("expected 2 posts on final page, got %d", len(page.PostIDs))
	}
}

func TestFeedIndexRefreshReplacesPreviousRows(testContext *testing.T) {
	database := openTestDatabase(testContext)
	feedIndex, err := NewFeedIndex(database)
	if err != nil {
		testContext.Fatalf("failed to construct feed index: %v", err)
	}

	first := entity.NewSnapshot()
	first.Posts["pst-1"] = entity.Post{ID: "pst-1", ScenarioID: "scn-1", AuthorProfileID: "prf-1", CreatedAt: 10}
	if err := feedIndex.Refresh(first); err != nil {
		testContext.Fatalf("failed to refresh feed index: %v", err)
	}

	second := entity.NewSnapshot()
	second.Posts["pst-2"] = entity.Post{ID: "pst-2", ScenarioID: "scn-1", AuthorProfileID: "prf-1", CreatedAt: 20}
	if err := feedIndex.Refresh(second); err != nil {
		testContext.Fatalf("failed to refresh feed index again: %v", err)
	}

	page, err := feedIndex.ListFeed("scn-1", 0, 10)
	if err != nil {
		testContext.Fatalf("failed to list feed: %v", err)
	}
	if len(page.PostIDs) != 1 || page.PostIDs[0] != "pst-2" {
		testContext.Fatalf("expected only pst-2 after rebuild, got %v", page.PostIDs)
	}
}

func TestSnapshotStorageRoundTrip(testContext *testing.T) {
	database := openTestDatabase(testContext)
	storage, err := NewSnapshotStorage(database, nil)
	if err != nil {
		testContext.Fatalf("failed to construct snapshot storage: %v", err)
	}

	if _, found, err := storage.Load(); err != nil || found {
		testContext.Fatalf("expected empty storage, found=%v err=%v", found, err)
	}

	snapshot := entity.NewSnapshot()
	snapshot.Scenarios["scn-1"] = entity.Scenario{
		ID:            "scn-1",
		Name:          "Shadowfen",
		OwnerUserID:   "user-1",
		Mode:          entity.ScenarioModeStory,
		PlayerUserIDs: []string{"user-1"},
	}
	if err := storage.Save(snapshot); err != nil {
		testContext.Fatalf("failed to save snapshot: %v", err)
	}

	snapshot.Scenarios["scn-2"] = entity.Scenario{
		ID:            "scn-2",
		Name:          "Ironreach",
		OwnerUserID:   "user-1",
		Mode:          entity.ScenarioModeCampaign,
		PlayerUserIDs: []string{"user-1"},
	}
	if err := storage.Save(snapshot); err != nil {
		testContext.Fatalf("failed to overwrite snapshot: %v", err)
	}

	loaded, found, err := storage.Load()
	if err != nil {
		testContext.Fatalf("failed to load snapshot: %v", err)
	}
	if !found {
		testContext.Fatalf("expected persisted snapshot")
	}
	if len(loaded.Scenarios) != 2 {
		testContext.Fatalf("expected 2 scenarios, got %d", len(loaded.Scenarios))
	}
	if loaded.Version != entity.SnapshotVersion {
		testContext.Fatalf("expected version %d, got %d", entity.SnapshotVersion, loaded.Version)
	}
}
