package collab

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode_MapsDomainErrorsToWireCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNotAuthenticated, CodeUnauthorized},
		{ErrCredentialRejected, CodeUnauthorized},
		{ErrNotParticipant, CodeUnauthorized},
		{ErrSessionInactive, CodeUnauthorized},
		{ErrForbidden, CodeUnauthorized},
		{ErrSessionNotFound, CodeNotFound},
		{ErrParticipantNotFound, CodeNotFound},
		{ErrMessageNotFound, CodeNotFound},
		{ErrSessionFull, CodeConflict},
		{ErrInvalidInput, CodeValidation},
		{fmt.Errorf("%w: bad session_id", ErrInvalidInput), CodeValidation},
		{errors.New("pg: connection refused"), CodeInternal},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
