package models

import (
	"time"

	"gorm.io/datatypes"
)

type ItemType string

const (
	ItemFlashcard ItemType = "Flashcard"
	ItemQuestion  ItemType = "Question"
	ItemTask      ItemType = "Task"
)

// Item is an abstract practiceable unit. The engine only ever sees its id;
// content (term, question text, ...) lives with the owning application.
type Item struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Type      ItemType  `json:"type" gorm:"default:Flashcard;index" validate:"omitempty,oneof=Flashcard Question Task"`
	Active    bool      `json:"active" gorm:"default:true;index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Item) TableName() string {
	return "items"
}

// ItemRelation is a directed parent/child edge in the item hierarchy.
type ItemRelation struct {
	ID       int64 `json:"id" gorm:"primaryKey"`
	ParentID int64 `json:"parent_id" gorm:"not null;index;uniqueIndex:idx_item_relation"`
	ChildID  int64 `json:"child_id" gorm:"not null;index;uniqueIndex:idx_item_relation"`

	Parent Item `json:"-" gorm:"foreignKey:ParentID"`
	Child  Item `json:"-" gorm:"foreignKey:ChildID"`
}

func (ItemRelation) TableName() string {
	return "item_relations"
}

// Answer is one recorded answer event. It is never mutated after creation;
// every derived statistic can be rebuilt from the answers table alone.
type Answer struct {
	ID     int64 `json:"id" gorm:"primaryKey"`
	UserID int64 `json:"user_id" gorm:"not null;index" validate:"required"`
	ItemID int64 `json:"item_id" gorm:"not null;index" validate:"required"`

	// ItemAskedID is the item presented to the user; ItemAnsweredID is what
	// the user chose, nil when the user answered "I don't know".
	ItemAskedID    int64  `json:"item_asked_id" gorm:"not null;index" validate:"required"`
	ItemAnsweredID *int64 `json:"item_answered_id" gorm:"index"`

	Time         time.Time `json:"time" gorm:"not null;index"`
	ResponseTime int       `json:"response_time" validate:"min=0"` // milliseconds

	// Guess is the probability of a correct response by pure chance
	// (1/number_of_options for multiple choice, 0 for open answers).
	Guess float64 `json:"guess" validate:"min=0,max=1"`

	Meta datatypes.JSON `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Answer) TableName() string {
	return "answers"
}

// Correct reports whether the asked item was answered.
func (a *Answer) Correct() bool {
	return a.ItemAnsweredID != nil && *a.ItemAnsweredID == a.ItemAskedID
}

type EnvironmentStatus int

const (
	EnvironmentDisabled EnvironmentStatus = iota
	EnvironmentLoading
	EnvironmentEnabled
	EnvironmentActive
)

func (s EnvironmentStatus) String() string {
	switch s {
	case EnvironmentDisabled:
		return "disabled"
	case EnvironmentLoading:
		return "loading"
	case EnvironmentEnabled:
		return "enabled"
	case EnvironmentActive:
		return "active"
	default:
		return "unknown"
	}
}

// EnvironmentInfo is one epoch of derived statistics. The recompute job
// creates a new epoch in the loading state, replays the answer history into
// it (LoadProgress is the id-ordered cursor of processed answers) and
// finally promotes it to active. Disabled epochs are garbage collected.
type EnvironmentInfo struct {
	ID           int64             `json:"id" gorm:"primaryKey"`
	Status       EnvironmentStatus `json:"status" gorm:"default:1;index"`
	Revision     int               `json:"revision" gorm:"default:0"`
	ConfigName   string            `json:"config_name" gorm:"size:100;default:default;index"`
	LoadProgress int64             `json:"load_progress" gorm:"default:0"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (EnvironmentInfo) TableName() string {
	return "environment_infos"
}

// Variable holds the current value of one statistic record. At most one row
// exists per (key, user, item_primary, item_secondary, info) combination;
// the symmetric pair canonicalization happens before the row is touched.
type Variable struct {
	ID              int64     `json:"id" gorm:"primaryKey"`
	Key             string    `json:"key" gorm:"not null;size:100;index:idx_variable_key"`
	UserID          *int64    `json:"user_id" gorm:"index:idx_variable_key"`
	ItemPrimaryID   *int64    `json:"item_primary_id" gorm:"index:idx_variable_key"`
	ItemSecondaryID *int64    `json:"item_secondary_id" gorm:"index:idx_variable_key"`
	Value           float64   `json:"value" gorm:"not null"`
	Audit           bool      `json:"audit" gorm:"default:true"`
	Permanent       bool      `json:"permanent" gorm:"default:false"`
	InfoID          *int64    `json:"info_id" gorm:"index"`
	AnswerID        *int64    `json:"answer_id"`
	Updated         time.Time `json:"updated" gorm:"not null"`
}

func (Variable) TableName() string {
	return "variables"
}

// AuditEntry is one append-only history record behind a Variable.
type AuditEntry struct {
	ID              int64     `json:"id" gorm:"primaryKey"`
	Key             string    `json:"key" gorm:"not null;size:100;index:idx_audit_key"`
	UserID          *int64    `json:"user_id" gorm:"index:idx_audit_key"`
	ItemPrimaryID   *int64    `json:"item_primary_id" gorm:"index:idx_audit_key"`
	ItemSecondaryID *int64    `json:"item_secondary_id" gorm:"index:idx_audit_key"`
	Value           float64   `json:"value" gorm:"not null"`
	InfoID          *int64    `json:"info_id" gorm:"index"`
	AnswerID        *int64    `json:"answer_id"`
	Time            time.Time `json:"time" gorm:"not null;index"`
}

func (AuditEntry) TableName() string {
	return "audit_entries"
}
