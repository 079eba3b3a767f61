package repositories

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	user, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique constraint,
// for example when a second active checkpoint is created for a runner that
// already has one.
var ErrConflict = errors.New("record already exists")

// isUniqueViolation recognizes the unique-constraint error text both
// supported drivers surface, since neither gorm.io/driver/sqlite nor
// modernc.org/sqlite exposes a typed constraint error the way pgx does.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value violates unique constraint") // postgres
}