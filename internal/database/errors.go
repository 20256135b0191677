package database

import (
	"database/sql"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/umar/bonded-messaging/internal/apperr"
)

var defaultMissingTableCodes = []string{"42P01", "PGRST205"}

// Postgres error codes mapped to apperr codes other than table-missing.
var pqCodes = map[pq.ErrorCode]apperr.Code{
	"42501": apperr.CodePermissionDenied, // insufficient_privilege, raised by RLS
	"22P02": apperr.CodeInvalidArgument,  // invalid_text_representation, e.g. a malformed uuid
	"23503": apperr.CodeInvalidArgument,  // foreign_key_violation
	"23514": apperr.CodeInvalidArgument,  // check_violation
	"08006": apperr.CodeUnavailable,      // connection_failure
	"57P01": apperr.CodeUnavailable,      // admin_shutdown
}

// Classifier turns driver errors into apperr errors. Which codes mean "backing table
// absent" depends on the deployment, so they are configurable.
type Classifier struct {
	missingTable map[string]struct{}
}

func NewClassifier(missingTableCodes []string) *Classifier {
	if len(missingTableCodes) == 0 {
		missingTableCodes = defaultMissingTableCodes
	}
	c := &Classifier{missingTable: make(map[string]struct{}, len(missingTableCodes))}
	for _, code := range missingTableCodes {
		c.missingTable[strings.TrimSpace(code)] = struct{}{}
	}
	return c
}

// Classify wraps err with op. sql.ErrNoRows becomes NOT_FOUND.
func (c *Classifier) Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.CodeNotFound, op, err)
	}
	if c.IsTableMissing(err) {
		return apperr.TableMissing(errors.Wrap(err, op))
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if code, ok := pqCodes[pqErr.Code]; ok {
			return apperr.Wrap(code, op, err)
		}
	}
	return errors.Wrap(err, op)
}

func (c *Classifier) IsTableMissing(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if _, ok := c.missingTable[string(pqErr.Code)]; ok {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "Could not find the table") ||
		(strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist"))
}
