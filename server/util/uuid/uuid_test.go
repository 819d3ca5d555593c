package uuid_test

import (
	"context"
	"testing"

	"github.com/buildbuddy-io/snappager/server/util/status"
	"github.com/buildbuddy-io/snappager/server/util/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetInContext(t *testing.T) {
	ctx := context.Background()
	_, err := uuid.GetFromContext(ctx)
	assert.True(t, status.IsNotFoundError(err))

	ctx, err = uuid.SetInContext(ctx)
	require.NoError(t, err)
	id, err := uuid.GetFromContext(ctx)
	require.NoError(t, err)
	require.NoError(t, uuid.Validate(id))

	_, err = uuid.SetInContext(ctx)
	assert.True(t, status.IsAlreadyExistsError(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{input: "cd86c9a3-354f-4e47-b84e-6357a945ff7f", wantErr: false},
		{input: "cd86c9a3354f4e47b84e6357a945ff7f", wantErr: false},
		{input: "abcd", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			err := uuid.Validate(tc.input)
			if tc.wantErr {
				assert.True(t, status.IsInvalidArgumentError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
