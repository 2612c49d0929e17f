package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/database"
	"github.com/ethpandaops/reportoor/pkg/model"
	"gorm.io/gorm"
)

// Activity is a persisted audit record.
type Activity struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Action    string    `gorm:"index;not null" json:"action"`
	NodeID    string    `gorm:"index;not null" json:"node_id"`
	LaunchID  string    `gorm:"index" json:"launch_id"`
	ProjectID string    `gorm:"index" json:"project_id"`
	Actor     string    `json:"actor"`
	Before    string    `gorm:"type:text" json:"before"`
	After     string    `gorm:"type:text" json:"after"`
	CreatedAt time.Time `json:"created_at"`
}

// StoreSink persists records in the activities table.
type StoreSink struct {
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// Compile-time interface check.
var _ Sink = (*StoreSink)(nil)

// NewStoreSink creates a StoreSink for the configured database.
func NewStoreSink(cfg *config.DatabaseConfig) *StoreSink {
	return &StoreSink{cfg: cfg}
}

// Start opens the database connection and runs migrations.
func (s *StoreSink) Start(ctx context.Context) error {
	db, err := database.Open(ctx, s.cfg, &Activity{})
	if err != nil {
		return fmt.Errorf("opening audit database: %w", err)
	}

	s.db = db

	return nil
}

// Stop closes the underlying database connection.
func (s *StoreSink) Stop() error {
	return database.Close(s.db)
}

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, rec model.AuditRecord) error {
	a := &Activity{
		Action:    rec.Action,
		NodeID:    rec.NodeID,
		LaunchID:  rec.LaunchID,
		ProjectID: rec.ProjectID,
		Actor:     rec.Actor,
		Before:    rec.Before,
		After:     rec.After,
		CreatedAt: rec.At,
	}

	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("creating activity: %w", err)
	}

	return nil
}

// ListForNode returns the activities recorded for a node, oldest first.
func (s *StoreSink) ListForNode(ctx context.Context, nodeID string) ([]Activity, error) {
	var out []Activity
	if err := s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}

	return out, nil
}
