package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/harborhope/internal/refresh"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type sectionRecord struct {
	Section       string `gorm:"column:section;primaryKey"`
	Version       int    `gorm:"column:version;not null"`
	Payload       string `gorm:"column:payload;type:text;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (sectionRecord) TableName() string {
	return "section_contents"
}

// Store persists section payloads.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore migrates section_contents and returns a Store over db.
func NewStore(ctx context.Context, db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("content.store.new: gorm handle is required")
	}
	if err := db.WithContext(ctx).AutoMigrate(&sectionRecord{}); err != nil {
		return nil, fmt.Errorf("content.store.migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Load returns the stored document, or the section defaults when nothing was saved.
func (store *Store) Load(ctx context.Context, section refresh.Section) (Document, error) {
	if !section.Valid() {
		return Document{}, fmt.Errorf("content.store.load: %w: %q", refresh.ErrUnknownSection, section)
	}
	var record sectionRecord
	err := store.db.WithContext(ctx).Where("section = ?", string(section)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		body, defaultsErr := Defaults(section)
		if defaultsErr != nil {
			return Document{}, defaultsErr
		}
		return Document{Section: section, Version: SchemaVersion, Body: body}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("content.store.load: %w", err)
	}
	body, decodeErr := Decode(section, record.Version, []byte(record.Payload))
	if decodeErr != nil {
		return Document{}, decodeErr
	}
	return Document{
		Section:   section,
		Version:   SchemaVersion,
		UpdatedAt: time.Unix(record.UpdatedAtUnix, 0).UTC(),
		Stored:    true,
		Body:      body,
	}, nil
}

// Save upserts body as the current payload of section.
func (store *Store) Save(ctx context.Context, section refresh.Section, body Body) (Document, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return Document{}, fmt.Errorf("content.store.save: %w", err)
	}
	updatedAt := store.now().UTC()
	record := sectionRecord{
		Section:       string(section),
		Version:       SchemaVersion,
		Payload:       string(encoded),
		UpdatedAtUnix: updatedAt.Unix(),
	}
	err = store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "section"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "payload", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return Document{}, fmt.Errorf("content.store.save: %w", err)
	}
	return Document{
		Section:   section,
		Version:   SchemaVersion,
		UpdatedAt: time.Unix(record.UpdatedAtUnix, 0).UTC(),
		Stored:    true,
		Body:      body,
	}, nil
}
