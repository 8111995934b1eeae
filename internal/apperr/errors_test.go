package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("push: %w", NotFound("event abc"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindSyncAlreadyRunning, KindOf(SyncAlreadyRunning("u1", "google")))
}

func TestFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{404, ErrNotFound},
		{410, ErrNotFound},
		{429, ErrProviderUnavailable},
		{503, ErrProviderUnavailable},
		{400, ErrProviderRejected},
		{403, ErrProviderRejected},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			err := FromHTTPStatus(tc.status, "call failed", nil)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.status, StatusOf(fmt.Errorf("wrapped: %w", err)))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := RefreshFailed("outlook", errors.New("invalid_grant")).WithStatus(400)
	assert.Equal(t, "refresh_failed: outlook rejected the token refresh (status 400): invalid_grant", err.Error())
	assert.Equal(t, 0, StatusOf(errors.New("plain")))
}
