package engine

import "errors"

// Error taxonomy for rejected commands and submissions. All of these are
// reported to the sender only; none of them disturb session state.
var (
	// ErrValidation is returned for malformed command or answer payloads.
	ErrValidation = errors.New("invalid payload")

	// ErrIllegalTransition is returned for a command that is not valid in
	// the session's current phase.
	ErrIllegalTransition = errors.New("command not valid in current phase")

	// ErrRoundClosed is returned for an answer that arrived after the
	// round closed. The answer is not scored.
	ErrRoundClosed = errors.New("round closed")

	// ErrDuplicateSubmission is returned for a second answer from the same
	// player in the same round. The first submission wins.
	ErrDuplicateSubmission = errors.New("answer already submitted")

	// ErrNameTaken is returned when a join names a display name that is
	// already connected in the session.
	ErrNameTaken = errors.New("display name already taken")

	// ErrJoinClosed is returned when a new player tries to join outside
	// the lobby phase. Reconnects by name are always allowed.
	ErrJoinClosed = errors.New("session is no longer accepting new players")

	// ErrSessionFinished is returned for commands against a session in
	// its terminal phase.
	ErrSessionFinished = errors.New("session already finished")

	// ErrNoQuestions is returned when a session is created for a quiz
	// with no questions.
	ErrNoQuestions = errors.New("quiz has no questions")

	// ErrUnauthorized is returned when a connection claims the host role
	// with an identity that does not own the session.
	ErrUnauthorized = errors.New("not the host of this session")
)
