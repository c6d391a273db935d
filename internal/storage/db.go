// Package storage persists call records in sqlite via gorm.
package storage

import (
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// Init initializes the database connection
func Init(dbPath string) error {
	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return err
	}

	if err := DB.AutoMigrate(&CallRecord{}, &TranscriptEntry{}, &ToolCallRecord{}); err != nil {
		return err
	}

	log.Printf("[Storage] Database initialized: %s", dbPath)
	return nil
}

// SaveCall upserts a call record with its transcript and tool calls.
func SaveCall(call *CallRecord) error {
	return DB.Save(call).Error
}

// GetCall retrieves one call with transcript and tool calls, ordered by
// turn.
func GetCall(sid string) (*CallRecord, error) {
	var call CallRecord
	err := DB.
		Preload("Transcript", func(db *gorm.DB) *gorm.DB {
			return db.Order("turn ASC, id ASC")
		}).
		Preload("ToolCalls", func(db *gorm.DB) *gorm.DB {
			return db.Order("turn ASC, id ASC")
		}).
		First(&call, "s_id = ?", sid).Error
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// ListCalls returns recent calls without transcripts, newest first.
func ListCalls(limit int) ([]CallRecord, error) {
	var calls []CallRecord
	err := DB.Order("started_at DESC").Limit(limit).Find(&calls).Error
	return calls, err
}

// ListCallsWithTranscripts returns recent calls including transcripts.
func ListCallsWithTranscripts(limit int) ([]CallRecord, error) {
	var calls []CallRecord
	err := DB.
		Preload("Transcript", func(db *gorm.DB) *gorm.DB {
			return db.Order("turn ASC, id ASC")
		}).
		Order("started_at DESC").Limit(limit).
		Find(&calls).Error
	return calls, err
}
