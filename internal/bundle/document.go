// Package bundle serializes a scenario subgraph into a portable, versioned
// document and re-materializes such documents with fresh ids, either directly
// into the local store or through the remote API.
package bundle

import (
	"encoding/json"
	"fmt"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

// DocumentVersion is the current export document format version.
const DocumentVersion = 1

// Document is the portable serialization of one scenario subgraph. Absence of
// an optional array means the category was excluded from the export, not that
// it was empty.
type Document struct {
	Version    int             `json:"version"`
	ExportedAt string          `json:"exportedAt"`
	Scenario   entity.Scenario `json:"scenario"`
	Profiles   []BundleProfile `json:"profiles,omitempty"`
	Posts      []entity.Post   `json:"posts,omitempty"`
	Reposts    []entity.Repost `json:"reposts,omitempty"`
	Sheets     []entity.CharacterSheet `json:"sheets,omitempty"`
}

// BundleProfile is a profile record plus the legacy embedded liked-post-id
// list older exporters produced. Import normalizes the list into discrete
// Like edges.
type BundleProfile struct {
	entity.Profile
	LikedPostIDs []string `json:"likedPostIds,omitempty"`
}

// Marshal renders the document as indented JSON suitable for a share sheet.
func (d Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Parse decodes raw bytes into a Document without validating it; callers run
// Validate before any import side effect.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("bundle: parse document: %w", err)
	}
	return doc, nil
}
