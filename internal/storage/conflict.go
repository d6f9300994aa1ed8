package storage

import (
	"database/sql"
	"errors"
)

// classifyConflict maps the current state of a record that a conditional
// reservation did not match onto the matching sentinel.
func classifyConflict(lookupErr error, status Status, attempts, maxAttempts int) error {
	switch {
	case errors.Is(lookupErr, sql.ErrNoRows) || errors.Is(lookupErr, ErrNotFound):
		return ErrNotFound
	case lookupErr != nil:
		return lookupErr
	case status != StatusPending:
		return ErrNotPending
	case attempts >= maxAttempts:
		return ErrMaxAttemptsReached
	default:
		// Changed between the update and the lookup; report it as claimed.
		return ErrNotPending
	}
}

func expectOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}
