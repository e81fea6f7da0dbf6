package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/storage"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate key", gorm.ErrDuplicatedKey, chaterr.ErrDuplicate},
		{"unique violation", &pgconn.PgError{Code: "23505"}, chaterr.ErrDuplicate},
		{"not found", gorm.ErrRecordNotFound, chaterr.ErrNotFound},
		{"deadline", context.DeadlineExceeded, chaterr.ErrStorageTransient},
		{"connection exception", &pgconn.PgError{Code: "08006"}, chaterr.ErrStorageTransient},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, chaterr.ErrStorageTransient},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, chaterr.ErrStorageTransient},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, chaterr.ErrStorageFatal},
		{"unknown", errors.New("disk on fire"), chaterr.ErrStorageFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, storage.Classify(fmt.Errorf("wrapped: %w", tt.err)), tt.want)
		})
	}
}

func TestClassify_PassesThroughDomainErrors(t *testing.T) {
	v := chaterr.Validation("body", "empty")
	assert.Same(t, v, storage.Classify(v))
	assert.Nil(t, storage.Classify(nil))

	transient := chaterr.Transient(errors.New("x"))
	assert.Equal(t, transient, storage.Classify(transient))
}
