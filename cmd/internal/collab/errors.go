package collab

import "errors"

var (
	// ErrNotAuthenticated is returned when a session-scoped command arrives
	// before a successful authenticate frame.
	ErrNotAuthenticated = errors.New("collab: not authenticated")

	// ErrCredentialRejected is returned when the identity verifier rejects
	// or cannot verify the presented credential.
	ErrCredentialRejected = errors.New("collab: credential rejected")

	// ErrNotParticipant is returned when a caller acts on a session it has
	// not joined or is no longer online in.
	ErrNotParticipant = errors.New("collab: not a session participant")

	// ErrSessionNotFound is returned for unknown session ids. A password
	// mismatch on a protected session maps here too, so callers cannot
	// probe for session existence.
	ErrSessionNotFound = errors.New("collab: session not found")

	// ErrSessionInactive is returned when joining a session that has ended.
	ErrSessionInactive = errors.New("collab: session inactive")

	// ErrSessionFull is returned when the active participant count has
	// reached the session cap.
	ErrSessionFull = errors.New("collab: session full")

	// ErrParticipantNotFound is returned by stores for unknown participant rows.
	ErrParticipantNotFound = errors.New("collab: participant not found")

	// ErrMessageNotFound is returned by stores for unknown chat messages.
	ErrMessageNotFound = errors.New("collab: message not found")

	// ErrForbidden is returned when a privileged operation (chat edit or
	// delete, ending a session) is attempted by a non-host.
	ErrForbidden = errors.New("collab: forbidden")

	// ErrInvalidInput covers malformed or out-of-range request fields.
	ErrInvalidInput = errors.New("collab: invalid input")
)

// Wire error codes (stable, sent in error frames).
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeValidation   = "VALIDATION"
	CodeInternal     = "INTERNAL"
	CodeRateLimited  = "RATE_LIMITED"

	// CodeEventsMissed tells a slow consumer that broadcasts were dropped
	// while its queue was full. The connection stays open.
	CodeEventsMissed = "EVENTS_MISSED"
)

// Code maps an error to its wire code. Unknown errors are reported as
// INTERNAL so store and transport failures never leak details to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrCredentialRejected),
		errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrSessionInactive),
		errors.Is(err, ErrForbidden):
		return CodeUnauthorized
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrParticipantNotFound),
		errors.Is(err, ErrMessageNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSessionFull):
		return CodeConflict
	case errors.Is(err, ErrInvalidInput):
		return CodeValidation
	default:
		return CodeInternal
	}
}
