package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "translated gorm error", err: gorm.ErrDuplicatedKey, want: true},
		{name: "wrapped gorm error", err: fmt.Errorf("create: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "postgres message", err: errors.New(`duplicate key value violates unique constraint "idx_ledger_entries_external_id"`), want: true},
		{name: "mysql message", err: errors.New("Error 1062 (23000): Duplicate entry"), want: true},
		{name: "sqlite message", err: errors.New("UNIQUE constraint failed: accounts.user_id"), want: true},
		{name: "unrelated error", err: errors.New("connection refused"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDuplicateKeyErr(tt.err))
		})
	}
}
