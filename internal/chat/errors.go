package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/rentdesk/messaging/internal/docstore"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUserNotFound     = fmt.Errorf("user %w", ErrNotFound)
	ErrNotParticipant   = errors.New("not a participant of this conversation")
	ErrPermissionDenied = errors.New("these roles may not message each other")
	ErrInvalidState     = errors.New("conversation is being permanently deleted")
	ErrStoreUnavailable = errors.New("message store unavailable")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// storeErr maps a docstore failure onto the chat error taxonomy while keeping the
// original error in the chain.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
