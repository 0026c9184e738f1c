// Copyright 2025 The Go A2A Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog records broadcast domain events to an append-only
// journal through GORM, giving operators a queryable history of what the
// engine emitted. Live state (registry, tasks, workflows) stays in memory;
// the journal is observability, not recovery.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"github.com/go-a2a/mesh"
)

// EventModel is the GORM row for one journaled event.
type EventModel struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	EventID   string    `gorm:"size:64;uniqueIndex;not null"`
	Type      string    `gorm:"size:128;index;not null"`
	Source    string    `gorm:"size:128"`
	Payload   string    `gorm:"type:text"`
	Signature string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName implements the GORM table-name convention.
func (EventModel) TableName() string { return "event_log" }

// ToEvent converts the row back to a domain event.
func (m *EventModel) ToEvent() (*mesh.Event, error) {
	event := &mesh.Event{
		ID:        m.EventID,
		Type:      mesh.EventType(m.Type),
		Timestamp: m.Timestamp,
		Source:    m.Source,
		Signature: m.Signature,
	}
	if m.Payload != "" {
		if err := sonic.Unmarshal([]byte(m.Payload), &event.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of event %s: %w", m.EventID, err)
		}
	}
	return event, nil
}

// Store is the append-only event journal. The database handle is injected;
// the store never opens or owns a connection.
type Store struct {
	db *gorm.DB
}

// Config holds configuration for a [Store].
type Config struct {
	DB *gorm.DB
	// CreateTable runs the schema migration on Initialize.
	CreateTable bool
}

// NewStore creates a [Store] over the injected database handle.
func NewStore(config Config) (*Store, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("eventlog: database connection cannot be nil")
	}
	s := &Store{db: config.DB}
	if config.CreateTable {
		if err := s.Initialize(context.Background()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Initialize creates the journal table if it does not exist.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&EventModel{}); err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return nil
}

// Record appends one event to the journal.
func (s *Store) Record(ctx context.Context, event *mesh.Event) error {
	payload := ""
	if event.Payload != nil {
		data, err := sonic.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("eventlog: encode payload of event %s: %w", event.ID, err)
		}
		payload = string(data)
	}

	model := &EventModel{
		EventID:   event.ID,
		Type:      string(event.Type),
		Source:    event.Source,
		Payload:   payload,
		Signature: event.Signature,
		Timestamp: event.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("eventlog: record event %s: %w", event.ID, err)
	}
	return nil
}

// Filter narrows [Store.List].
type Filter struct {
	// Type restricts to one event type.
	Type mesh.EventType
	// Source restricts to one emitting component.
	Source string
	// Since restricts to events at or after the given time.
	Since time.Time
	// Limit caps the result size; zero means 100.
	Limit int
}

// List returns journaled events matching the filter in append order.
func (s *Store) List(ctx context.Context, filter Filter) ([]*mesh.Event, error) {
	db := s.db.WithContext(ctx).Model(&EventModel{})
	if filter.Type != "" {
		db = db.Where("type = ?", string(filter.Type))
	}
	if filter.Source != "" {
		db = db.Where("source = ?", filter.Source)
	}
	if !filter.Since.IsZero() {
		db = db.Where("timestamp >= ?", filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var models []EventModel
	if err := db.Order("seq").Limit(limit).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}

	events := make([]*mesh.Event, 0, len(models))
	for i := range models {
		event, err := models[i].ToEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Count returns the number of journaled events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&EventModel{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("eventlog: count: %w", err)
	}
	return count, nil
}
