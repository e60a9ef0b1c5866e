package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// manifestRowID pins the manifest to a single row; publish replaces it
// wholesale, never patches fields.
const manifestRowID = 1

func (r *Repo) GetManifest(ctx context.Context) (*ManifestRecord, error) {
	var m ManifestRecord
	err := r.db.WithContext(ctx).Where("id = ?", manifestRowID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PublishManifest atomically replaces the manifest contents and bumps
// the updated-at timestamp.
func (r *Repo) PublishManifest(ctx context.Context, version string, scripts datatypes.JSON) (*ManifestRecord, error) {
	rec := &ManifestRecord{
		ID:        manifestRowID,
		Version:   version,
		Scripts:   scripts,
		UpdatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "scripts", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		return nil, err
	}
	return rec, nil
}
