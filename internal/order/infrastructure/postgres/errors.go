package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmehra2102/drone-delivery/internal/order/application"
)

const (
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
)

// classify marks lock conflicts as application.ErrContention so the service
// retries them. Everything else passes through unchanged.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeDeadlockDetected, codeLockNotAvailable, codeSerializationFailure:
		return fmt.Errorf("%w: %w", application.ErrContention, err)
	}
	return err
}
