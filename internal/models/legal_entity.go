// Package models defines persistence-layer structs for the sync engine.
package models

import (
	"time"

	"github.com/ehealth-sync/internal/types"
)

// LegalEntity is the local tenant whose registry data is synchronized.
// It is the aggregate root for sync state: one status slot per entity type.
type LegalEntity struct {
	ID       int64  `json:"id" db:"id"`
	UUID     string `json:"uuid" db:"uuid"`
	Name     string `json:"name" db:"name"`
	EDRPOU   string `json:"edrpou" db:"edrpou"`
	OwnerID  string `json:"ownerId" db:"owner_id"`

	Statuses map[types.EntityType]types.JobStatus `json:"entityStatuses" db:"entity_statuses"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// StatusFor returns the sync status for an entity type, defaulting to idle.
func (le *LegalEntity) StatusFor(entity types.EntityType) types.JobStatus {
	if le.Statuses == nil {
		return types.StatusIdle
	}
	if status, ok := le.Statuses[entity]; ok {
		return status
	}
	return types.StatusIdle
}
