package harness

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrTrigger means the feature activation transaction was rejected.
	ErrTrigger = errors.New("migration trigger failed")
	// ErrStubValidation means the migrated stub program did not behave as expected.
	ErrStubValidation = errors.New("stub validation failed")
)

// OwnerMismatchError reports a program account that is not owned by the expected loader.
type OwnerMismatchError struct {
	Account  solana.PublicKey
	Expected solana.PublicKey
	Observed solana.PublicKey
	Phase    string
}

func (e *OwnerMismatchError) Error() string {
	return fmt.Sprintf("%s: incorrect owner of %s: expected %s, got %s", e.Phase, e.Account, e.Expected, e.Observed)
}
