package bundle

import (
	"errors"
	"sort"
	"time"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

// ErrScenarioNotFound is returned when the export target does not exist in
// the snapshot.
var ErrScenarioNotFound = errors.New("bundle: scenario not found")

// ExportScope selects which entity categories accompany the scenario record.
// Dependent categories require their prerequisites: posts need profiles, and
// reposts need posts.
type ExportScope struct {
	Profiles bool
	Posts    bool
	Reposts  bool
	Sheets   bool
}

// FullScope includes every exportable category.
func FullScope() ExportScope {
	return ExportScope{Profiles: true, Posts: true, Reposts: true, Sheets: true}
}

// Export snapshots one scenario subgraph into a Document. References that
// point outside the exported set, such as a reply parent excluded by scope,
// are stripped so the document is self-contained. The invite code never
// leaves the device.
func Export(snapshot entity.Snapshot, scenarioID string, scope ExportScope, now time.Time) (Document, error) {
	scenario, ok := snapshot.Scenarios[scenarioID]
	if !ok {
		return Document{}, ErrScenarioNotFound
	}

	if scope.Posts && !scope.Profiles {
		scope.Posts = false
	}
	if scope.Reposts && !scope.Posts {
		scope.Reposts = false
	}
	if scope.Sheets && !scope.Profiles {
		scope.Sheets = false
	}

	scenario.InviteCode = ""
	doc := Document{
		Version:    DocumentVersion,
		ExportedAt: now.UTC().Format(time.RFC3339),
		Scenario:   scenario,
	}

	profileIDs := map[string]bool{}
	if scope.Profiles {
		for _, profile := range snapshot.Profiles {
			if profile.ScenarioID != scenarioID {
				continue
			}
			profileIDs[profile.ID] = true
			doc.Profiles = append(doc.Profiles, BundleProfile{Profile: profile})
		}
		sort.Slice(doc.Profiles, func(i, j int) bool {
			return olderRecord(doc.Profiles[i].CreatedAt, doc.Profiles[i].ID, doc.Profiles[j].CreatedAt, doc.Profiles[j].ID)
		})
	}

	postIDs := map[string]bool{}
	if scope.Posts {
		for _, post := range snapshot.Posts {
			if post.ScenarioID != scenarioID || !profileIDs[post.AuthorProfileID] {
				continue
			}
			postIDs[post.ID] = true
			doc.Posts = append(doc.Posts, post)
		}
		for i := range doc.Posts {
			if !postIDs[doc.Posts[i].ParentPostID] {
				doc.Posts[i].ParentPostID = ""
			}
			if !postIDs[doc.Posts[i].QuotedPostID] {
				doc.Posts[i].QuotedPostID = ""
			}
		}
		sort.Slice(doc.Posts, func(i, j int) bool {
			return olderRecord(doc.Posts[i].CreatedAt, doc.Posts[i].ID, doc.Posts[j].CreatedAt, doc.Posts[j].ID)
		})
	}

	if scope.Reposts {
		for _, repost := range snapshot.Reposts {
			if repost.ScenarioID != scenarioID {
				continue
			}
			if !profileIDs[repost.ProfileID] || !postIDs[repost.PostID] {
				continue
			}
			doc.Reposts = append(doc.Reposts, repost)
		}
		sort.Slice(doc.Reposts, func(i, j int) bool {
			left, right := doc.Reposts[i], doc.Reposts[j]
			return olderRecord(left.CreatedAt, entity.RepostKey(left.ProfileID, left.PostID), right.CreatedAt, entity.RepostKey(right.ProfileID, right.PostID))
		})
	}

	if scope.Sheets {
		for _, sheet := range snapshot.Sheets {
			if sheet.ScenarioID != scenarioID || !profileIDs[sheet.ProfileID] {
				continue
			}
			doc.Sheets = append(doc.Sheets, sheet)
		}
		sort.Slice(doc.Sheets, func(i, j int) bool {
			return doc.Sheets[i].ProfileID < doc.Sheets[j].ProfileID
		})
	}

	return doc, nil
}

// olderRecord orders records by creation time with the id as a tiebreaker so
// repeated exports of the same snapshot are byte-identical.
func olderRecord(leftAt int64, leftID string, rightAt int64, rightID string) bool {
	if leftAt != rightAt {
		return leftAt < rightAt
	}
	return leftID < rightID
}
