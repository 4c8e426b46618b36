package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	slug := &pgconn.PgError{Code: uniqueViolation, ConstraintName: "pages_slug_key"}

	assert.True(t, isUniqueViolation(slug, "pages_slug_key"))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", slug), ""))
	assert.False(t, isUniqueViolation(slug, "accounts_pkey"))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	assert.False(t, isUniqueViolation(errors.New("boom"), ""))
	assert.False(t, isUniqueViolation(nil, ""))
}
