package bundle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
)

type memoryPersister struct {
	saved int
}

func (p *memoryPersister) Save(entity.Snapshot) error {
	p.saved++
	return nil
}

func (p *memoryPersister) Load() (entity.Snapshot, bool, error) {
	return entity.Snapshot{}, false, nil
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("new-%d", p.next), nil
}

func newTestStore(testContext *testing.T) *store.Store {
	testContext.Helper()
	entityStore, err := store.New(store.Config{Persister: &memoryPersister{}})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	return entityStore
}

func newTestImporter(testContext *testing.T, entityStore *store.Store, quota int) *Importer {
	testContext.Helper()
	importer, err := NewImporter(ImporterConfig{
		Store:        entityStore,
		IDProvider:   &sequenceIDProvider{},
		Clock:        func() time.Time { return time.Unix(1_700_000_000, 0) },
		UserID:       "user-import",
		ProfileQuota: quota,
	})
	if err != nil {
		testContext.Fatalf("failed to construct importer: %v", err)
	}
	return importer
}

func buildExportFixture() entity.Snapshot {
	snapshot := entity.NewSnapshot()
	snapshot.Scenarios["scn-1"] = entity.Scenario{
		ID:            "scn-1",
		Name:          "Shadowfen",
		InviteCode:    "SECRET",
		OwnerUserID:   "user-1",
		Mode:          entity.ScenarioModeStory,
		PlayerUserIDs: []string{"user-1", "user-2"},
		TagKeys:       []string{"noir"},
	}
	snapshot.Profiles["prf-a"] = entity.Profile{ID: "prf-a", ScenarioID: "scn-1", OwnerUserID: "user-1", Handle: "alice", DisplayName: "Alice", CreatedAt: 10}
	snapshot.Profiles["prf-b"] = entity.Profile{ID: "prf-b", ScenarioID: "scn-1", OwnerUserID: "user-2", Handle: "bryn", DisplayName: "Bryn", CreatedAt: 20}
	snapshot.Posts["pst-1"] = entity.Post{ID: "pst-1", ScenarioID: "scn-1", AuthorProfileID: "prf-a", Text: "root", CreatedAt: 100, ReplyCount: 1}
	snapshot.Posts["pst-2"] = entity.Post{ID: "pst-2", ScenarioID: "scn-1", AuthorProfileID: "prf-b", ParentPostID: "pst-1", Text: "reply", CreatedAt: 110}
	snapshot.Posts["pst-orphan"] = entity.Post{ID: "pst-orphan", ScenarioID: "scn-1", AuthorProfileID: "prf-gone", Text: "dangling author", CreatedAt: 120}
	snapshot.Posts["pst-3"] = entity.Post{ID: "pst-3", ScenarioID: "scn-1", AuthorProfileID: "prf-a", ParentPostID: "pst-orphan", Text: "reply to orphan", CreatedAt: 130}
	snapshot.Reposts[entity.RepostKey("prf-b", "pst-1")] = entity.Repost{ScenarioID: "scn-1", ProfileID: "prf-b", PostID: "pst-1", CreatedAt: 140}
	snapshot.Sheets["prf-a"] = entity.CharacterSheet{ProfileID: "prf-a", ScenarioID: "scn-1", Name: "Alice the Bold"}
	return snapshot
}

func TestExportStripsDanglingReferences(testContext *testing.T) {
	doc, err := Export(buildExportFixture(), "scn-1", FullScope(), time.Unix(1_700_000_000, 0))
	if err != nil {
		testContext.Fatalf("failed to export: %v", err)
	}
	if doc.Version != DocumentVersion {
		testContext.Fatalf("expected version %d, got %d", DocumentVersion, doc.Version)
	}
	if doc.Scenario.InviteCode != "" {
		testContext.Fatalf("invite code must not leave the device")
	}
	if len(doc.Posts) != 3 {
		testContext.Fatalf("expected 3 posts (dangling-author post excluded), got %d", len(doc.Posts))
	}
	for _, post := range doc.Posts {
		if post.ID == "pst-3" && post.ParentPostID != "" {
			testContext.Fatalf("expected parent reference to excluded post stripped")
		}
	}
	if err := Validate(doc); err != nil {
		testContext.Fatalf("exported document must validate: %v", err)
	}
}

func TestExportScopeGating(testContext *testing.T) {
	snapshot := buildExportFixture()

	doc, err := Export(snapshot, "scn-1", ExportScope{Profiles: true, Sheets: true}, time.Now())
	if err != nil {
		testContext.Fatalf("failed to export: %v", err)
	}
	if len(doc.Posts) != 0 || len(doc.Reposts) != 0 {
		testContext.Fatalf("expected posts and reposts excluded")
	}
	if len(doc.Profiles) != 2 || len(doc.Sheets) != 1 {
		testContext.Fatalf("expected profiles and sheets included")
	}

	// Reposts without posts, and posts without profiles, are inert flags.
	doc, err = Export(snapshot, "scn-1", ExportScope{Posts: true, Reposts: true}, time.Now())
	if err != nil {
		testContext.Fatalf("failed to export: %v", err)
	}
	if len(doc.Posts) != 0 || len(doc.Reposts) != 0 {
		testContext.Fatalf("expected dependent categories dropped without profiles")
	}
}

func TestExportUnknownScenario(testContext *testing.T) {
	_, err := Export(entity.NewSnapshot(), "scn-missing", FullScope(), time.Now())
	if !errors.Is(err, ErrScenarioNotFound) {
		testContext.Fatalf("expected ErrScenarioNotFound, got %v", err)
	}
}

func TestValidateRejectsBrokenDocuments(testContext *testing.T) {
	base := func() Document {
		return Document{
			Version:  DocumentVersion,
			Scenario: entity.Scenario{ID: "scn-1", Name: "Shadowfen", Mode: entity.ScenarioModeStory},
			Profiles: []BundleProfile{
				{Profile: entity.Profile{ID: "prf-a", Handle: "alice"}},
			},
			Posts: []entity.Post{
				{ID: "pst-1", AuthorProfileID: "prf-a", Text: "root"},
			},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Document)
	}{
		{name: "wrong version", mutate: func(d *Document) { d.Version = 99 }},
		{name: "empty scenario name", mutate: func(d *Document) { d.Scenario.Name = "  " }},
		{name: "unknown mode", mutate: func(d *Document) { d.Scenario.Mode = "sandbox" }},
		{name: "duplicate profile id", mutate: func(d *Document) {
			d.Profiles = append(d.Profiles, BundleProfile{Profile: entity.Profile{ID: "prf-a", Handle: "other"}})
		}},
		{name: "duplicate handle", mutate: func(d *Document) {
			d.Profiles = append(d.Profiles, BundleProfile{Profile: entity.Profile{ID: "prf-b", Handle: "ALICE"}})
		}},
		{name: "unknown author", mutate: func(d *Document) { d.Posts[0].AuthorProfileID = "prf-ghost" }},
		{name: "dangling parent", mutate: func(d *Document) { d.Posts[0].ParentPostID = "pst-ghost" }},
		{name: "self reference", mutate: func(d *Document) { d.Posts[0].QuotedPostID = "pst-1" }},
		{name: "dangling repost", mutate: func(d *Document) {
			d.Reposts = []entity.Repost{{ProfileID: "prf-a", PostID: "pst-ghost"}}
		}},
		{name: "duplicate sheet", mutate: func(d *Document) {
			d.Sheets = []entity.CharacterSheet{{ProfileID: "prf-a"}, {ProfileID: "prf-a"}}
		}},
		{name: "oversized text", mutate: func(d *Document) { d.Posts[0].Text = strings.Repeat("a", maxPostTextLength+1) }},
		{name: "oversized sheet notes", mutate: func(d *Document) {
			d.Sheets = []entity.CharacterSheet{{
				ProfileID:   "prf-a",
				Name:        "Alice",
				PublicNotes: strings.Repeat("a", maxSheetFieldLength+1),
			}}
		}},
		{name: "oversized private notes", mutate: func(d *Document) {
			d.Sheets = []entity.CharacterSheet{{
				ProfileID:    "prf-a",
				Name:         "Alice",
				PrivateNotes: strings.Repeat("a", maxSheetFieldLength+1),
			}}
		}},
		{name: "oversized sheet name", mutate: func(d *Document) {
			d.Sheets = []entity.CharacterSheet{{
				ProfileID: "prf-a",
				Name:      strings.Repeat("a", maxSheetFieldLength+1),
			}}
		}},
		{name: "too many inventory items", mutate: func(d *Document) {
			d.Sheets = []entity.CharacterSheet{{
				ProfileID: "prf-a",
				Name:      "Alice",
				Inventory: make([]string, maxSheetListItems+1),
			}}
		}},
	}

	for _, testCase := range cases {
		doc := base()
		testCase.mutate(&doc)
		err := Validate(doc)
		if err == nil {
			testContext.Fatalf("%s: expected validation error", testCase.name)
		}
		if !errors.Is(err, ErrInvalidDocument) {
			testContext.Fatalf("%s: expected ErrInvalidDocument, got %v", testCase.name, err)
		}
	}

	if err := Validate(base()); err != nil {
		testContext.Fatalf("base document must validate: %v", err)
	}
}

func TestImportRenamesCollidingHandles(testContext *testing.T) {
	entityStore := newTestStore(testContext)
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.Profiles["prf-existing"] = entity.Profile{
			ID:          "prf-existing",
			ScenarioID:  "scn-other",
			OwnerUserID: "user-import",
			Handle:      "alice",
		}
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to seed store: %v", err)
	}

	doc, err := Export(buildExportFixture(), "scn-1", FullScope(), time.Now())
	if err != nil {
		testContext.Fatalf("failed to export: %v", err)
	}

	importer := newTestImporter(testContext, entityStore, 0)
	result, err := importer.Import(context.Background(), doc)
	if err != nil {
		testContext.Fatalf("failed to import: %v", err)
	}

	if got := result.RenamedHandles["alice"]; got != "alice1" {
		testContext.Fatalf("expected alice renamed to alice1, got %q", got)
	}

	snapshot := entityStore.Read()
	scenario, ok := snapshot.Scenarios[result.ScenarioID]
	if !ok {
		testContext.Fatalf("expected imported scenario %q", result.ScenarioID)
	}
	if scenario.ID == "scn-1" {
		testContext.Fatalf("expected fresh scenario id")
	}
	if scenario.OwnerUserID != "user-import" {
		testContext.Fatalf("expected importing user as owner, got %q", scenario.OwnerUserID)
	}
	if len(scenario.PlayerUserIDs) != 1 || scenario.PlayerUserIDs[0] != "user-import" {
		testContext.Fatalf("expected importing user as sole player, got %v", scenario.PlayerUserIDs)
	}

	newAliceID := result.ProfileIDs["prf-a"]
	if snapshot.Profiles[newAliceID].Handle != "alice1" {
		testContext.Fatalf("expected imported profile renamed, got %q", snapshot.Profiles[newAliceID].Handle)
	}

	// Referential integrity: every imported post's author and references
	// resolve inside the new scenario.
	for _, post := range snapshot.Posts {
		if post.ScenarioID != scenario.ID {
			continue
		}
		if _, ok := snapshot.Profiles[post.AuthorProfileID]; !ok {
			testContext.Fatalf("imported post %q has unresolved author %q", post.ID, post.AuthorProfileID)
		}
		if post.ParentPostID != "" {
			if _, ok := snapshot.Posts[post.ParentPostID]; !ok {
				testContext.Fatalf("imported post %q has unresolved parent %q", post.ID, post.ParentPostID)
			}
		}
	}
}

func TestImportRenameTruncatesLongHandles(testContext *testing.T) {
	longHandle := strings.Repeat("a", entity.MaxHandleLength)
	entityStore := newTestStore(testContext)
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.Profiles["prf-existing"] = entity.Profile{
			ID:          "prf-existing",
			ScenarioID:  "scn-other",
			OwnerUserID: "user-import",
			Handle:      longHandle,
		}
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to seed store: %v", err)
	}

	doc := Document{
		Version:  DocumentVersion,
		Scenario: entity.Scenario{ID: "scn-1", Name: "Shadowfen", Mode: entity.ScenarioModeStory},
		Profiles: []BundleProfile{
			{Profile: entity.Profile{ID: "prf-a", Handle: longHandle}},
		},
	}

	importer := newTestImporter(testContext, entityStore, 0)
	result, err := importer.Import(context.Background(), doc)
	if err != nil {
		testContext.Fatalf("failed to import: %v", err)
	}

	renamed := result.RenamedHandles[longHandle]
	if renamed == "" {
		testContext.Fatalf("expected handle rename")
	}
	if len(renamed) > entity.MaxHandleLength {
		testContext.Fatalf("renamed handle %q exceeds handle cap", renamed)
	}
	if !strings.HasSuffix(renamed, "1") {
		testContext.Fatalf("expected numeric suffix, got %q", renamed)
	}
}

func TestImportOrdersPostsByDependency(testContext *testing.T) {
	// The document lists the reply chain deepest-first; the worklist must
	// still materialize parents before children.
	doc := Document{
		Version:  DocumentVersion,
		Scenario: entity.Scenario{ID: "scn-1", Name: "Shadowfen", Mode: entity.ScenarioModeStory},
		Profiles: []BundleProfile{
			{Profile: entity.Profile{ID: "prf-a", Handle: "alice"}},
		},
		Posts: []entity.Post{
			{ID: "pst-3", AuthorProfileID: "prf-a", ParentPostID: "pst-2", QuotedPostID: "pst-1", Text: "deep", CreatedAt: 300},
			{ID: "pst-2", AuthorProfileID: "prf-a", ParentPostID: "pst-1", Text: "middle", CreatedAt: 200},
			{ID: "pst-1", AuthorProfileID: "prf-a", Text: "root", CreatedAt: 100},
		},
	}

	entityStore := newTestStore(testContext)
	importer := newTestImporter(testContext, entityStore, 0)
	result, err := importer.Import(context.Background(), doc)
	if err != nil {
		testContext.Fatalf("failed to import: %v", err)
	}

	snapshot := entityStore.Read()
	deep := snapshot.Posts[result.PostIDs["pst-3"]]
	if deep.ParentPostID != result.PostIDs["pst-2"] {
		testContext.Fatalf("expected deep post parent remapped, got %q", deep.ParentPostID)
	}
	if deep.QuotedPostID != result.PostIDs["pst-1"] {
		testContext.Fatalf("expected deep post quote remapped, got %q", deep.QuotedPostID)
	}
	root := snapshot.Posts[result.PostIDs["pst-1"]]
	if root.ReplyCount != 1 {
		testContext.Fatalf("expected recomputed reply count 1, got %d", root.ReplyCount)
	}
}

func TestImportRejectsReferenceCycles(testContext *testing.T) {
	doc := Document{
		Version:  DocumentVersion,
		Scenario: entity.Scenario{ID: "scn-1", Name: "Shadowfen", Mode: entity.ScenarioModeStory},
		Profiles: []BundleProfile{
			{Profile: entity.Profile{ID: "prf-a", Handle: "alice"}},
		},
		Posts: []entity.Post{
			{ID: "pst-1", AuthorProfileID: "prf-a", QuotedPostID: "pst-2", Text: "first", CreatedAt: 100},
			{ID: "pst-2", AuthorProfileID: "prf-a", QuotedPostID: "pst-1", Text: "second", CreatedAt: 200},
		},
	}

	entityStore := newTestStore(testContext)
	importer := newTestImporter(testContext, entityStore, 0)
	_, err := importer.Import(context.Background(), doc)
	if !errors.Is(err, ErrInvalidDocument) {
		testContext.Fatalf("expected cycle rejection, got %v", err)
	}
	if len(entityStore.Read().Scenarios) != 0 {
		testContext.Fatalf("expected no partial write after rejected import")
	}
}

func TestImportEnforcesProfileQuota(testContext *testing.T) {
	doc := Document{
		Version:  DocumentVersion,
		Scenario: entity.Scenario{ID: "scn-1", Name: "Shadowfen", Mode: entity.ScenarioModeStory},
		Profiles: []BundleProfile{
			{Profile: entity.Profile{ID: "prf-a", Handle: "alice", CreatedAt: 10}},
			{Profile: entity.Profile{ID: "prf-b", Handle: "bryn", CreatedAt: 20}},
			{Profile: entity.Profile{ID: "prf-c", Handle: "cora", CreatedAt: 30}},
		},
		Posts: []entity.Post{
			{ID: "pst-1", AuthorProfileID: "prf-a", Text: "kept", CreatedAt: 100},
			{ID: "pst-2", AuthorProfileID: "prf-c", Text: "dropped with author", CreatedAt: 200},
		},
		Sheets: []entity.CharacterSheet{
			{ProfileID: "prf-c", Name: "Cora"},
		},
	}

	entityStore := newTestStore(testContext)
	importer := newTestImporter(testContext, entityStore, 2)
	result, err := importer.Import(context.Background(), doc)
	if err != nil {
		testContext.Fatalf("failed to import: %v", err)
	}

	if result.SkippedProfiles != 1 {
		testContext.Fatalf("expected 1 skipped profile, got %d", result.SkippedProfiles)
	}
	if result.DroppedPosts != 1 {
		testContext.Fatalf("expected 1 dropped post, got %d", result.DroppedPosts)
	}
	if result.DroppedSheets != 1 {
		testContext.Fatalf("expected 1 dropped sheet, got %d", result.DroppedSheets)
	}
	if _, ok := result.ProfileIDs["prf-c"]; ok {
		testContext.Fatalf("expected over-quota profile skipped")
	}
}

func TestImportNormalizesLegacyLikes(testContext *testing.T) {
	doc := Document{
		Version:  DocumentVersion,
		Scenario: entity.Scenario{ID: "scn-1", Name: "Shadowfen", Mode: entity.ScenarioModeStory},
		Profiles: []BundleProfile{
			{Profile: entity.Profile{ID: "prf-a", Handle: "alice"}, LikedPostIDs: []string{"pst-1", "pst-missing"}},
		},
		Posts: []entity.Post{
			{ID: "pst-1", AuthorProfileID: "prf-a", Text: "root", LikeCount: 7},
		},
	}

	entityStore := newTestStore(testContext)
	importer := newTestImporter(testContext, entityStore, 0)
	result, err := importer.Import(context.Background(), doc)
	if err != nil {
		testContext.Fatalf("failed to import: %v", err)
	}

	if result.DroppedLikes != 1 {
		testContext.Fatalf("expected 1 dropped like, got %d", result.DroppedLikes)
	}

	snapshot := entityStore.Read()
	newProfileID := result.ProfileIDs["prf-a"]
	newPostID := result.PostIDs["pst-1"]
	key := entity.LikeKey(result.ScenarioID, newProfileID, newPostID)
	if _, ok := snapshot.Likes[key]; !ok {
		testContext.Fatalf("expected like edge %q materialized", key)
	}
	if got := snapshot.Posts[newPostID].LikeCount; got != 1 {
		testContext.Fatalf("expected like count rebuilt from edges, got %d", got)
	}
}

func TestImportUpsertsGlobalTagsFirstWriterWins(testContext *testing.T) {
	entityStore := newTestStore(testContext)
	if _, err := entityStore.Update(func(snapshot entity.Snapshot) entity.Snapshot {
		snapshot.GlobalTags["noir"] = entity.GlobalTag{Key: "noir", Name: "Noir Classic", Color: "#111111", CreatedAt: 1}
		return snapshot
	}); err != nil {
		testContext.Fatalf("failed to seed store: %v", err)
	}

	doc := Document{
		Version: DocumentVersion,
		Scenario: entity.Scenario{
			ID:      "scn-1",
			Name:    "Shadowfen",
			Mode:    entity.ScenarioModeStory,
			TagKeys: []string{"Noir", "grimdark"},
		},
	}

	importer := newTestImporter(testContext, entityStore, 0)
	result, err := importer.Import(context.Background(), doc)
	if err != nil {
		testContext.Fatalf("failed to import: %v", err)
	}

	snapshot := entityStore.Read()
	if got := snapshot.GlobalTags["noir"].Name; got != "Noir Classic" {
		testContext.Fatalf("existing registry entry must win, got %q", got)
	}
	if _, ok := snapshot.GlobalTags["grimdark"]; !ok {
		testContext.Fatalf("expected new tag registered")
	}
	scenarioTag, ok := snapshot.ScenarioTags[entity.ScenarioTagKey(result.ScenarioID, "noir")]
	if !ok {
		testContext.Fatalf("expected denormalized scenario tag")
	}
	if scenarioTag.Name != "Noir Classic" || scenarioTag.Color != "#111111" {
		testContext.Fatalf("denormalized copy must follow the registry, got %+v", scenarioTag)
	}
}

func TestImportTwiceCreatesDistinctScenarios(testContext *testing.T) {
	doc, err := Export(buildExportFixture(), "scn-1", FullScope(), time.Now())
	if err != nil {
		testContext.Fatalf("failed to export: %v", err)
	}

	entityStore := newTestStore(testContext)
	importer := newTestImporter(testContext, entityStore, 0)

	first, err := importer.Import(context.Background(), doc)
	if err != nil {
		testContext.Fatalf("first import failed: %v", err)
	}
	second, err := importer.Import(context.Background(), doc)
	if err != nil {
		testContext.Fatalf("second import failed: %v", err)
	}
	if first.ScenarioID == second.ScenarioID {
		testContext.Fatalf("expected distinct scenario ids per import")
	}

	snapshot := entityStore.Read()
	if len(snapshot.Scenarios) != 2 {
		testContext.Fatalf("expected 2 scenarios, got %d", len(snapshot.Scenarios))
	}
}
