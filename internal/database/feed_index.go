package database

import (
	"fmt"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"gorm.io/gorm"
)

// postIndexRecord is one row of the auxiliary feed index used for paginated
// feed reads. Rebuilt from the committed snapshot; never the source of truth.
type postIndexRecord struct {
	PostID           string `gorm:"column:post_id;primaryKey;size:64;not null"`
	ScenarioID       string `gorm:"column:scenario_id;size:64;not null;index:idx_post_index_feed,priority:1"`
	AuthorProfileID  string `gorm:"column:author_profile_id;size:64;not null"`
	ParentPostID     string `gorm:"column:parent_post_id;size:64;not null;default:''"`
	Pinned           bool   `gorm:"column:pinned;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_post_index_feed,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (postIndexRecord) TableName() string {
	return "post_index"
}

// FeedIndex maintains the queryable post index. It implements the store's
// Indexer contract.
type FeedIndex struct {
	db *gorm.DB
}

// NewFeedIndex constructs the feed index over the given database.
func NewFeedIndex(db *gorm.DB) (*FeedIndex, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	return &FeedIndex{db: db}, nil
}

// Refresh rebuilds the index rows from the committed snapshot.
func (f *FeedIndex) Refresh(snapshot entity.Snapshot) error {
	records := make([]postIndexRecord, 0, len(snapshot.Posts))
	for _, post := range snapshot.Posts {
		records = append(records, postIndexRecord{
			PostID:           post.ID,
			ScenarioID:       post.ScenarioID,
			AuthorProfileID:  post.AuthorProfileID,
			ParentPostID:     post.ParentPostID,
			Pinned:           post.Pinned,
			CreatedAtSeconds: post.CreatedAt,
		})
	}
	return f.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&postIndexRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 200).Error
	})
}

// FeedPage identifies one page of a scenario's root feed, newest first.
type FeedPage struct {
	PostIDs []string
	HasMore bool
}

// ListFeed returns root-post ids for a scenario, newest first, offset paged.
func (f *FeedIndex) ListFeed(scenarioID string, offset, limit int) (FeedPage, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []postIndexRecord
	err := f.db.
		Where("scenario_id = ? AND parent_post_id = ''", scenarioID).
		Order("created_at_s DESC, post_id DESC").
		Offset(offset).
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return FeedPage{}, err
	}
	page := FeedPage{PostIDs: make([]string, 0, len(rows))}
	for i, row := range rows {
		if i == limit {
			page.HasMore = true
			break
		}
		page.PostIDs = append(page.PostIDs, row.PostID)
	}
	return page, nil
}
