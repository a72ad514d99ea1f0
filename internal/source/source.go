package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// AuthError indicates that authentication has failed for a mailbox.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ErrStaleGeneration is returned by Fetch when the folder's uidvalidity
// no longer matches the requested one.
var ErrStaleGeneration = errors.New("folder uidvalidity changed")

// Mailbox is the remote store the reconciler mirrors. Implementations
// enforce their own per-call timeouts.
type Mailbox interface {
	// Enumerate lists a folder. The listing is Complete only when it
	// covered every item of the folder.
	Enumerate(ctx context.Context, folder string) (*model.Listing, error)

	// Fetch downloads the raw body of one item.
	Fetch(ctx context.Context, folder string, uidvalidity, uid uint32) ([]byte, error)

	// Append stores a raw message in folder.
	Append(ctx context.Context, folder string, raw []byte) error

	// Close releases the connection.
	Close() error
}
