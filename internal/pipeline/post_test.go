package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

func TestCreatePostLocalMintsIDAndMaintainsReplyCount(testContext *testing.T) {
	testPipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)

	created, err := testPipeline.CreatePost(context.Background(), entity.Post{
		ScenarioID:      "scn-1",
		AuthorProfileID: "prf-2",
		ParentPostID:    "pst-1",
		Text:            "a reply",
		ReplyCount:      99, // input counters are never trusted
	})
	if err != nil {
		testContext.Fatalf("failed to create post: %v", err)
	}
	if created.ID == "" {
		testContext.Fatalf("expected minted post id")
	}
	if created.ReplyCount != 0 || created.RepostCount != 0 || created.LikeCount != 0 {
		testContext.Fatalf("expected zeroed counters, got %+v", created)
	}

	snapshot := entityStore.Read()
	if got := snapshot.Posts["pst-1"].ReplyCount; got != 1 {
		testContext.Fatalf("expected parent reply count 1, got %d", got)
	}
}

func TestCreatePostRejectsCrossScenarioReferences(testContext *testing.T) {
	testPipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.Scenarios["scn-2"] = entity.Scenario{ID: "scn-2", Name: "Ironreach", OwnerUserID: "user-1", Mode: entity.ScenarioModeStory, PlayerUserIDs: []string{"user-1"}}
		snapshot.Profiles["prf-far"] = entity.Profile{ID: "prf-far", ScenarioID: "scn-2", OwnerUserID: "user-1", Handle: "farhand"}
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to seed second scenario: %v", err)
	}

	_, err := testPipeline.CreatePost(context.Background(), entity.Post{
		ScenarioID:      "scn-2",
		AuthorProfileID: "prf-far",
		ParentPostID:    "pst-1", // lives in scn-1
		Text:            "crossing",
	})
	if got := serviceCode(testContext, err); got != "pipeline.create_post.bad_reference" {
		testContext.Fatalf("unexpected error code %q", got)
	}
}

func TestCreatePostRollsBackOnRemoteFailure(testContext *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	})
	testPipeline, entityStore := newNetworkedPipeline(testContext, mux)
	seedScenario(testContext, entityStore)

	_, err := testPipeline.CreatePost(context.Background(), entity.Post{
		ScenarioID:      "scn-1",
		AuthorProfileID: "prf-2",
		ParentPostID:    "pst-1",
		Text:            "a reply",
	})
	if got := serviceCode(testContext, err); got != "pipeline.create_post.remote_failed" {
		testContext.Fatalf("unexpected error code %q", got)
	}

	snapshot := entityStore.Read()
	if len(snapshot.Posts) != 1 {
		testContext.Fatalf("expected only the seeded post after rollback, got %d", len(snapshot.Posts))
	}
	if got := snapshot.Posts["pst-1"].ReplyCount; got != 0 {
		testContext.Fatalf("expected parent reply count restored to 0, got %d", got)
	}
}

func TestCreatePostAdoptsServerID(testContext *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/scenarios/scn-1/posts", func(w http.ResponseWriter, r *http.Request) {
		var post entity.Post
		json.NewDecoder(r.Body).Decode(&post)
		post.ID = "srv-99"
		json.NewEncoder(w).Encode(post)
	})
	testPipeline, entityStore := newNetworkedPipeline(testContext, mux)
	seedScenario(testContext, entityStore)

	created, err := testPipeline.CreatePost(context.Background(), entity.Post{
		ScenarioID:      "scn-1",
		AuthorProfileID: "prf-2",
		Text:            "hello",
	})
	if err != nil {
		testContext.Fatalf("failed to create post: %v", err)
	}
	if created.ID != "srv-99" {
		testContext.Fatalf("expected server-assigned id, got %q", created.ID)
	}

	snapshot := entityStore.Read()
	if _, ok := snapshot.Posts["srv-99"]; !ok {
		testContext.Fatalf("expected post stored under server id")
	}
	if len(snapshot.Posts) != 2 {
		testContext.Fatalf("expected provisional record replaced, got %d posts", len(snapshot.Posts))
	}
}

func TestDeletePostPrunesLocallyWhenServerAlreadyDropped(testContext *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
	})
	testPipeline, entityStore := newNetworkedPipeline(testContext, mux)
	seedScenario(testContext, entityStore)

	if err := testPipeline.DeletePost(context.Background(), "scn-1", "pst-1"); err != nil {
		testContext.Fatalf("404 on delete must count as success: %v", err)
	}
	if _, ok := entityStore.Read().Posts["pst-1"]; ok {
		testContext.Fatalf("expected post removed")
	}
}

func TestPinPostMaintainsPinnedList(testContext *testing.T) {
	testPipeline, entityStore := newLocalPipeline(testContext)
	seedScenario(testContext, entityStore)

	if _, err := testPipeline.PinPost(context.Background(), "scn-1", "pst-1", true, 0); err != nil {
		testContext.Fatalf("failed to pin: %v", err)
	}
	snapshot := entityStore.Read()
	scenario := snapshot.Scenarios["scn-1"]
	if scenario.Settings == nil || len(scenario.Settings.PinnedPostIDs) != 1 || scenario.Settings.PinnedPostIDs[0] != "pst-1" {
		testContext.Fatalf("expected pst-1 in pinned list, got %+v", scenario.Settings)
	}

	if _, err := testPipeline.PinPost(context.Background(), "scn-1", "pst-1", false, 0); err != nil {
		testContext.Fatalf("failed to unpin: %v", err)
	}
	scenario = entityStore.Read().Scenarios["scn-1"]
	if len(scenario.Settings.PinnedPostIDs) != 0 {
		testContext.Fatalf("expected empty pinned list, got %v", scenario.Settings.PinnedPostIDs)
	}
}
