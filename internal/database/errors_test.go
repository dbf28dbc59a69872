package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		class     ErrorClass
		retryable bool
	}{
		{"nil", nil, ErrorClassPermanent, false},
		{"serialization", &pq.Error{Code: "40001"}, ErrorClassSerialization, true},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrorClassDeadlock, true},
		{"lock not available", &pq.Error{Code: "55P03"}, ErrorClassTransient, true},
		{"connection failure", &pq.Error{Code: "08006"}, ErrorClassTransient, true},
		{"unique violation", &pq.Error{Code: "23505"}, ErrorClassUniqueViolation, false},
		{"foreign key violation", &pq.Error{Code: "23503"}, ErrorClassForeignKeyViolation, false},
		{"nul byte in text", &pq.Error{Code: "22021"}, ErrorClassDataException, false},
		{"numeric out of range", &pq.Error{Code: "22003"}, ErrorClassDataException, false},
		{"check violation", &pq.Error{Code: "23514"}, ErrorClassPermanent, false},
		{"wrapped deadlock", fmt.Errorf("update order: %w", &pq.Error{Code: "40P01"}), ErrorClassDeadlock, true},
		{"deadline", context.DeadlineExceeded, ErrorClassTransient, true},
		{"plain", errors.New("boom"), ErrorClassPermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, ClassifyError(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir(migrationsDir)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
}
