package repository

import (
	"context"
	"fmt"

	"shapesync/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: DURABLE UPDATE LOG

Query patterns:
- Append: persist one merged update fragment
- LoadAll: room creation (replay everything in creation order)
- Count: compaction policy check after a successful append
- Compact: transactional replace of the whole run with one merged fragment

Compact must be all-or-nothing: a reader must never observe the log with the
old fragments partially deleted or with both the old run and the merged row.
A single transaction gives exactly that.
*/

// UpdateLogImpl stores CRDT update fragments append-only per document.
type UpdateLogImpl struct {
	db *gorm.DB
}

// NewUpdateLog creates a new update log backed by the given database.
func NewUpdateLog(db *gorm.DB) *UpdateLogImpl {
	return &UpdateLogImpl{db: db}
}

// Append durably records one update fragment. Failures are retryable: the
// caller keeps the fragment pending and tries again on its next flush.
func (r *UpdateLogImpl) Append(ctx context.Context, documentID string, update []byte) error {
	record := &models.UpdateRecord{
		DocumentID: documentID,
		Update:     update,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to append update record: %w", err)
	}
	return nil
}

// LoadAll returns every fragment for the document in creation order. A
// document with no history yields an empty slice, not an error.
func (r *UpdateLogImpl) LoadAll(ctx context.Context, documentID string) ([][]byte, error) {
	var records []*models.UpdateRecord
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load update records: %w", err)
	}

	updates := make([][]byte, 0, len(records))
	for _, rec := range records {
		updates = append(updates, rec.Update)
	}
	return updates, nil
}

// Count returns the number of fragments stored for the document.
func (r *UpdateLogImpl) Count(ctx context.Context, documentID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UpdateRecord{}).
		Where("document_id = ?", documentID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count update records: %w", err)
	}
	return count, nil
}

// Compact atomically replaces all fragments for the document with a single
// fragment holding merged.
func (r *UpdateLogImpl) Compact(ctx context.Context, documentID string, merged []byte) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("document_id = ?", documentID).
			Delete(&models.UpdateRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.UpdateRecord{
			DocumentID: documentID,
			Update:     merged,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to compact update records: %w", err)
	}
	return nil
}
