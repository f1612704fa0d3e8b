package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: APPEND-ONLY CRDT UPDATE STORAGE

Each row is one opaque binary update fragment for a document. Replaying the
fragments in creation order (or applying their merge, which is equivalent)
reconstructs the document state, so the server can restart without losing
edits and late joiners can catch up from history.

The fragment count per document is bounded by compaction: once it crosses the
threshold the whole run is merged into a single row inside one transaction.
*/

// UpdateRecord stores a single binary CRDT update fragment.
type UpdateRecord struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(64);not null;index:idx_update_records_doc_time" json:"document_id"`
	Update     []byte    `gorm:"type:bytea;not null" json:"-"`
	CreatedAt  time.Time `gorm:"index:idx_update_records_doc_time" json:"created_at"`
}

// BeforeCreate generates a KSUID so ids sort by creation time.
func (u *UpdateRecord) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (UpdateRecord) TableName() string {
	return "update_records"
}
