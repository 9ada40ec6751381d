package syncer

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/registry"
	"github.com/ehealth-sync/internal/types"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection error", &registry.ConnectionError{Err: errors.New("refused")}, true},
		{"validation error", &registry.ValidationError{Message: "bad"}, false},
		{"server error", &registry.ResponseError{Status: http.StatusInternalServerError}, true},
		{"bad gateway", &registry.ResponseError{Status: http.StatusBadGateway}, true},
		{"too many requests", &registry.ResponseError{Status: http.StatusTooManyRequests}, true},
		{"unauthorized", &registry.ResponseError{Status: http.StatusUnauthorized}, false},
		{"not found", &registry.ResponseError{Status: http.StatusNotFound}, false},
		{"plain error", errors.New("who knows"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestJobChainProgression(t *testing.T) {
	chain := types.FirstLoginChain()

	job := &models.SyncJobRecord{
		Entity:     chain[0],
		Page:       3,
		Chain:      chain,
		ChainIndex: 0,
	}

	t.Run("mid-chain job has a successor entity", func(t *testing.T) {
		assert.Equal(t, chain[1], job.NextInChain())
	})

	t.Run("last chain entry has no successor", func(t *testing.T) {
		last := &models.SyncJobRecord{
			Entity:     chain[len(chain)-1],
			Chain:      chain,
			ChainIndex: len(chain) - 1,
		}
		assert.Equal(t, types.EntityType(""), last.NextInChain())
	})

	t.Run("single-entity batch has no successor", func(t *testing.T) {
		single := &models.SyncJobRecord{
			Entity:     types.EntityEmployee,
			Chain:      []types.EntityType{types.EntityEmployee},
			ChainIndex: 0,
		}
		assert.Equal(t, types.EntityType(""), single.NextInChain())
	})
}

func TestBatchDone(t *testing.T) {
	batch := &models.SyncBatch{TotalJobs: 3, ProcessedJobs: 2}
	assert.False(t, batch.Done())

	batch.ProcessedJobs = 3
	assert.True(t, batch.Done())
}
