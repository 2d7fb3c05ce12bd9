package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const snapshotSlotCurrent = "current"

// snapshotBlob is the single-row durable home of the entity snapshot.
type snapshotBlob struct {
	Slot             string `gorm:"column:slot;primaryKey;size:32;not null"`
	Version          int    `gorm:"column:version;not null"`
	DataJSON         string `gorm:"column:data_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (snapshotBlob) TableName() string {
	return "snapshot_blobs"
}

// SnapshotStorage persists the entity snapshot as a versioned JSON blob. It
// implements the store's Persister contract.
type SnapshotStorage struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSnapshotStorage constructs snapshot persistence over the given database.
func NewSnapshotStorage(db *gorm.DB, clock func() time.Time) (*SnapshotStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SnapshotStorage{db: db, clock: clock}, nil
}

// Save writes the snapshot to its durable row, replacing the previous value.
func (s *SnapshotStorage) Save(snapshot entity.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	record := snapshotBlob{
		Slot:             snapshotSlotCurrent,
		Version:          snapshot.Version,
		DataJSON:         string(data),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slot"}},
		UpdateAll: true,
	}).Create(&record).Error
}

// Load reads the persisted snapshot. The second return value is false when no
// snapshot has been written yet.
func (s *SnapshotStorage) Load() (entity.Snapshot, bool, error) {
	var record snapshotBlob
	err := s.db.Where("slot = ?", snapshotSlotCurrent).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entity.Snapshot{}, false, nil
	}
	if err != nil {
		return entity.Snapshot{}, false, err
	}

	snapshot, err := decodeSnapshot([]byte(record.DataJSON))
	if err != nil {
		return entity.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

// decodeSnapshot parses a stored blob, upgrading version 4 payloads whose
// profiles still embed liked-post-id lists.
func decodeSnapshot(data []byte) (entity.Snapshot, error) {
	snapshot := entity.NewSnapshot()
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return entity.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snapshot.Version < entity.SnapshotVersion {
		if err := normalizeLegacyLikes(data, &snapshot); err != nil {
			return entity.Snapshot{}, err
		}
		snapshot.Version = entity.SnapshotVersion
	}
	ensureSnapshotMaps(&snapshot)
	return snapshot, nil
}

func normalizeLegacyLikes(data []byte, snapshot *entity.Snapshot) error {
	var legacy struct {
		Profiles map[string]struct {
			LikedPostIDs []string `json:"likedPostIds"`
		} `json:"profiles"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("unmarshal legacy profiles: %w", err)
	}
	if snapshot.Likes == nil {
		snapshot.Likes = map[string]entity.Like{}
	}
	for profileID, legacyProfile := range legacy.Profiles {
		profile, ok := snapshot.Profiles[profileID]
		if !ok {
			continue
		}
		for _, postID := range legacyProfile.LikedPostIDs {
			key := entity.LikeKey(profile.ScenarioID, profileID, postID)
			if _, exists := snapshot.Likes[key]; exists {
				continue
			}
			snapshot.Likes[key] = entity.Like{
				ScenarioID: profile.ScenarioID,
				ProfileID:  profileID,
				PostID:     postID,
			}
		}
	}
	return nil
}

func ensureSnapshotMaps(snapshot *entity.Snapshot) {
	empty := entity.NewSnapshot()
	if snapshot.Scenarios == nil {
		snapshot.Scenarios = empty.Scenarios
	}
	if snapshot.Profiles == nil {
		snapshot.Profiles = empty.Profiles
	}
	if snapshot.Posts == nil {
		snapshot.Posts = empty.Posts
	}
	if snapshot.Reposts == nil {
		snapshot.Reposts = empty.Reposts
	}
	if snapshot.Likes == nil {
		snapshot.Likes = empty.Likes
	}
	if snapshot.Sheets == nil {
		snapshot.Sheets = empty.Sheets
	}
	if snapshot.Conversations == nil {
		snapshot.Conversations = empty.Conversations
	}
	if snapshot.Messages == nil {
		snapshot.Messages = empty.Messages
	}
	if snapshot.GlobalTags == nil {
		snapshot.GlobalTags = empty.GlobalTags
	}
	if snapshot.ScenarioTags == nil {
		snapshot.ScenarioTags = empty.ScenarioTags
	}
	if snapshot.SelectedProfileByScenario == nil {
		snapshot.SelectedProfileByScenario = empty.SelectedProfileByScenario
	}
	if snapshot.NotificationPrefs == nil {
		snapshot.NotificationPrefs = empty.NotificationPrefs
	}
}
