package pipeline

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/remote"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
)

type memoryPersister struct{}

func (memoryPersister) Save(entity.Snapshot) error {
	return nil
}

func (memoryPersister) Load() (entity.Snapshot, bool, error) {
	return entity.Snapshot{}, false, nil
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%d", p.next), nil
}

func newLocalPipeline(testContext *testing.T) (*Pipeline, *store.Store) {
	testContext.Helper()
	entityStore, err := store.New(store.Config{Persister: memoryPersister{}})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	testPipeline, err := New(Config{
		Store:      entityStore,
		IDProvider: &sequenceIDProvider{},
		Clock:      func() time.Time { return time.Unix(1_700_000_000, 0) },
		UserID:     "user-1",
	})
	if err != nil {
		testContext.Fatalf("failed to construct pipeline: %v", err)
	}
	return testPipeline, entityStore
}

func newNetworkedPipeline(testContext *testing.T, handler http.Handler) (*Pipeline, *store.Store) {
	testContext.Helper()
	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)

	entityStore, err := store.New(store.Config{Persister: memoryPersister{}})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL: server.URL,
		Token:   "test-token",
	})
	if err != nil {
		testContext.Fatalf("failed to construct remote client: %v", err)
	}
	testPipeline, err := New(Config{
		Store:      entityStore,
		Remote:     remoteClient,
		IDProvider: &sequenceIDProvider{},
		Clock:      func() time.Time { return time.Unix(1_700_000_000, 0) },
		UserID:     "user-1",
	})
	if err != nil {
		testContext.Fatalf("failed to construct pipeline: %v", err)
	}
	return testPipeline, entityStore
}

func seedScenario(testContext *testing.T, entityStore *store.Store) {
	testContext.Helper()
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.Scenarios["scn-1"] = entity.Scenario{
			ID:            "scn-1",
			Name:          "Shadowfen",
			OwnerUserID:   "user-1",
			Mode:          entity.ScenarioModeStory,
			PlayerUserIDs: []string{"user-1", "user-2"},
		}
		snapshot.Profiles["prf-1"] = entity.Profile{ID: "prf-1", ScenarioID: "scn-1", OwnerUserID: "user-1", Handle: "alice"}
		snapshot.Profiles["prf-2"] = entity.Profile{ID: "prf-2", ScenarioID: "scn-1", OwnerUserID: "user-2", Handle: "bryn"}
		snapshot.Posts["pst-1"] = entity.Post{ID: "pst-1", ScenarioID: "scn-1", AuthorProfileID: "prf-1", Text: "root"}
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to seed scenario: %v", err)
	}
}

func seedConversation(testContext *testing.T, entityStore *store.Store) {
	testContext.Helper()
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.Conversations["cnv-1"] = entity.Conversation{
			ID:                    "cnv-1",
			ScenarioID:            "scn-1",
			ParticipantProfileIDs: []string{"prf-1", "prf-2"},
			MessageIDs:            []string{},
		}
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to seed conversation: %v", err)
	}
}

func serviceCode(testContext *testing.T, err error) string {
	testContext.Helper()
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		testContext.Fatalf("expected ServiceError, got %T: %v", err, err)
	}
	return serviceErr.Code()
}
