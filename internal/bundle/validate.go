package bundle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

// ErrInvalidDocument wraps every validation failure so callers can test for
// the class without matching reason strings.
var ErrInvalidDocument = errors.New("bundle: invalid document")

// Validation ceilings. Documents exceeding any of them are rejected before a
// single record is written.
const (
	maxScenarioNameLength = 120
	maxDescriptionLength  = 2000
	maxPostTextLength     = 10000
	maxImageURLLength     = 2048
	maxImagesPerPost      = 8
	maxTagCount           = 25
	maxProfileCount       = 500
	maxPostCount          = 5000
	maxRepostCount        = 20000
	maxSheetCount         = 500
	maxSheetFieldLength   = 4000
	maxSheetListItems     = 200
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
}

// Validate checks the document's structural invariants: the format version,
// per-field length ceilings, per-array count ceilings, and referential
// integrity between the included categories. It never touches the store.
func Validate(doc Document) error {
	if doc.Version != DocumentVersion {
		return invalid("unsupported version %d", doc.Version)
	}
	if err := validateScenario(doc.Scenario); err != nil {
		return err
	}

	profileIDs, err := validateProfiles(doc.Profiles)
	if err != nil {
		return err
	}
	postIDs, err := validatePosts(doc.Posts, doc.Profiles, profileIDs)
	if err != nil {
		return err
	}
	if err := validateReposts(doc.Reposts, profileIDs, postIDs); err != nil {
		return err
	}
	if err := validateSheets(doc.Sheets, profileIDs); err != nil {
		return err
	}
	return validateLegacyLikes(doc.Profiles)
}

func validateScenario(scenario entity.Scenario) error {
	name := strings.TrimSpace(scenario.Name)
	if name == "" {
		return invalid("scenario: name is empty")
	}
	if len(name) > maxScenarioNameLength {
		return invalid("scenario: name exceeds %d characters", maxScenarioNameLength)
	}
	if scenario.Mode != entity.ScenarioModeStory && scenario.Mode != entity.ScenarioModeCampaign {
		return invalid("scenario: unknown mode %q", scenario.Mode)
	}
	if scenario.Settings != nil && len(scenario.Settings.Description) > maxDescriptionLength {
		return invalid("scenario: description exceeds %d characters", maxDescriptionLength)
	}
	if len(scenario.TagKeys) > maxTagCount {
		return invalid("scenario: more than %d tags", maxTagCount)
	}
	for _, key := range scenario.TagKeys {
		if strings.TrimSpace(key) == "" {
			return invalid("scenario: empty tag key")
		}
	}
	return nil
}

func validateProfiles(profiles []BundleProfile) (map[string]bool, error) {
	if len(profiles) > maxProfileCount {
		return nil, invalid("profiles: more than %d entries", maxProfileCount)
	}
	ids := make(map[string]bool, len(profiles))
	handles := make(map[string]bool, len(profiles))
	for i, profile := range profiles {
		if err := entity.ValidateID(profile.ID); err != nil {
			return nil, invalid("profiles[%d]: %v", i, err)
		}
		if ids[profile.ID] {
			return nil, invalid("profiles[%d]: duplicate id %q", i, profile.ID)
		}
		ids[profile.ID] = true
		if err := entity.ValidateHandle(profile.Handle); err != nil {
			return nil, invalid("profiles[%d]: %v", i, err)
		}
		lowered := strings.ToLower(profile.Handle)
		if handles[lowered] {
			return nil, invalid("profiles[%d]: duplicate handle %q", i, profile.Handle)
		}
		handles[lowered] = true
		if len(profile.DisplayName) > maxScenarioNameLength {
			return nil, invalid("profiles[%d]: display name exceeds %d characters", i, maxScenarioNameLength)
		}
		if len(profile.Bio) > maxDescriptionLength {
			return nil, invalid("profiles[%d]: bio exceeds %d characters", i, maxDescriptionLength)
		}
		if len(profile.AvatarURL) > maxImageURLLength {
			return nil, invalid("profiles[%d]: avatar url exceeds %d characters", i, maxImageURLLength)
		}
	}
	return ids, nil
}

func validatePosts(posts []entity.Post, profiles []BundleProfile, profileIDs map[string]bool) (map[string]bool, error) {
	if len(posts) > maxPostCount {
		return nil, invalid("posts: more than %d entries", maxPostCount)
	}
	if len(posts) > 0 && len(profiles) == 0 {
		return nil, invalid("posts: included without profiles")
	}
	ids := make(map[string]bool, len(posts))
	for i, post := range posts {
		if err := entity.ValidateID(post.ID); err != nil {
			return nil, invalid("posts[%d]: %v", i, err)
		}
		if ids[post.ID] {
			return nil, invalid("posts[%d]: duplicate id %q", i, post.ID)
		}
		ids[post.ID] = true
		if !profileIDs[post.AuthorProfileID] {
			return nil, invalid("posts[%d]: author %q not in profile set", i, post.AuthorProfileID)
		}
		if len(post.Text) > maxPostTextLength {
			return nil, invalid("posts[%d]: text exceeds %d characters", i, maxPostTextLength)
		}
		if len(post.ImageURLs) > maxImagesPerPost {
			return nil, invalid("posts[%d]: more than %d images", i, maxImagesPerPost)
		}
		for _, url := range post.ImageURLs {
			if len(url) > maxImageURLLength {
				return nil, invalid("posts[%d]: image url exceeds %d characters", i, maxImageURLLength)
			}
		}
	}
	for i, post := range posts {
		if post.ParentPostID != "" && !ids[post.ParentPostID] {
			return nil, invalid("posts[%d]: parent %q not in post set", i, post.ParentPostID)
		}
		if post.QuotedPostID != "" && !ids[post.QuotedPostID] {
			return nil, invalid("posts[%d]: quoted post %q not in post set", i, post.QuotedPostID)
		}
		if post.ParentPostID == post.ID || post.QuotedPostID == post.ID {
			return nil, invalid("posts[%d]: post references itself", i)
		}
	}
	return ids, nil
}

func validateReposts(reposts []entity.Repost, profileIDs, postIDs map[string]bool) error {
	if len(reposts) > maxRepostCount {
		return invalid("reposts: more than %d entries", maxRepostCount)
	}
	seen := make(map[string]bool, len(reposts))
	for i, repost := range reposts {
		if !profileIDs[repost.ProfileID] {
			return invalid("reposts[%d]: profile %q not in profile set", i, repost.ProfileID)
		}
		if !postIDs[repost.PostID] {
			return invalid("reposts[%d]: post %q not in post set", i, repost.PostID)
		}
		key := repost.ProfileID + "|" + repost.PostID
		if seen[key] {
			return invalid("reposts[%d]: duplicate edge %q", i, key)
		}
		seen[key] = true
	}
	return nil
}

func validateSheets(sheets []entity.CharacterSheet, profileIDs map[string]bool) error {
	if len(sheets) > maxSheetCount {
		return invalid("sheets: more than %d entries", maxSheetCount)
	}
	seen := make(map[string]bool, len(sheets))
	for i, sheet := range sheets {
		if !profileIDs[sheet.ProfileID] {
			return invalid("sheets[%d]: profile %q not in profile set", i, sheet.ProfileID)
		}
		if seen[sheet.ProfileID] {
			return invalid("sheets[%d]: duplicate sheet for profile %q", i, sheet.ProfileID)
		}
		seen[sheet.ProfileID] = true
		if len(sheet.Name) > maxSheetFieldLength {
			return invalid("sheets[%d]: name exceeds %d characters", i, maxSheetFieldLength)
		}
		if len(sheet.PublicNotes) > maxSheetFieldLength {
			return invalid("sheets[%d]: public notes exceed %d characters", i, maxSheetFieldLength)
		}
		if len(sheet.PrivateNotes) > maxSheetFieldLength {
			return invalid("sheets[%d]: private notes exceed %d characters", i, maxSheetFieldLength)
		}
		if len(sheet.Abilities) > maxSheetListItems {
			return invalid("sheets[%d]: more than %d abilities", i, maxSheetListItems)
		}
		if len(sheet.Inventory) > maxSheetListItems {
			return invalid("sheets[%d]: more than %d inventory items", i, maxSheetListItems)
		}
		if len(sheet.Equipment) > maxSheetListItems {
			return invalid("sheets[%d]: more than %d equipment items", i, maxSheetListItems)
		}
		if len(sheet.Spells) > maxSheetListItems {
			return invalid("sheets[%d]: more than %d spells", i, maxSheetListItems)
		}
	}
	return nil
}

// Legacy liked-post lists may reference posts missing from the document;
// those entries are dropped during import rather than rejected here.
func validateLegacyLikes(profiles []BundleProfile) error {
	for i, profile := range profiles {
		if len(profile.LikedPostIDs) > maxPostCount {
			return invalid("profiles[%d]: more than %d liked posts", i, maxPostCount)
		}
	}
	return nil
}
