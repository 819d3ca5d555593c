package uuid

import (
	"context"

	"github.com/buildbuddy-io/snappager/server/util/status"

	guuid "github.com/google/uuid"
)

type uuidContextKeyType struct{}

var uuidContextKey = uuidContextKeyType{}

// New returns a new random UUID string.
func New() (string, error) {
	u, err := guuid.NewRandom()
	if err != nil {
		return "", status.InternalErrorf("generate uuid: %w", err)
	}
	return u.String(), nil
}

func GetFromContext(ctx context.Context) (string, error) {
	u, ok := ctx.Value(uuidContextKey).(string)
	if ok {
		return u, nil
	}
	return "", status.NotFoundError("UUID not present in context")
}

// SetInContext returns a context carrying a new random UUID. It is an error
// to call it on a context that already carries one.
func SetInContext(ctx context.Context) (context.Context, error) {
	if ou, ok := ctx.Value(uuidContextKey).(string); ok {
		return nil, status.AlreadyExistsErrorf("UUID %q already set in context", ou)
	}
	u, err := New()
	if err != nil {
		return nil, err
	}
	return context.WithValue(ctx, uuidContextKey, u), nil
}

// Validate returns an InvalidArgument error if text is not a UUID.
func Validate(text string) error {
	if _, err := guuid.Parse(text); err != nil {
		return status.InvalidArgumentErrorf("invalid uuid %q: %w", text, err)
	}
	return nil
}
