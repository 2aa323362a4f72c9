package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/tutorlink/tui/internal/auth"
	"github.com/tutorlink/tui/internal/client"
	"github.com/tutorlink/tui/internal/recording"
	"github.com/tutorlink/tui/internal/session"
	"github.com/tutorlink/tui/internal/transition"
)

// AlertText turns an error from any component into the line shown under
// the status bar. A nil error or a cancelled context yields "".
func AlertText(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}

	var (
		uploadErr *recording.UploadError
		netErr    *client.NetworkError
		apiErr    *client.APIError
	)
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return "You are not signed in. Add a token and try again."
	case errors.Is(err, auth.ErrUnauthorized):
		return "Your sign-in has expired. Add a new token and try again."
	case errors.Is(err, recording.ErrPermissionDenied):
		return "Microphone access was denied."
	case errors.Is(err, recording.ErrAlreadyRecording):
		return "Another session is already being recorded."
	case errors.Is(err, recording.ErrNotRecording):
		return "Nothing is being recorded."
	case errors.Is(err, transition.ErrRecordingInProgress):
		return "Stop the recording for this session first."
	case errors.Is(err, transition.ErrTransitionInFlight):
		return "This session is already being updated."
	case errors.Is(err, transition.ErrSessionTerminal):
		return "This session is already cancelled or completed."
	case client.IsConflict(err):
		return "The session changed on the server. Refresh and try again."
	case errors.As(err, &uploadErr):
		return fmt.Sprintf("Upload for session %s failed. The recording was kept at %s.", uploadErr.SessionID, uploadErr.Path)
	case errors.As(err, &netErr):
		return "Could not reach the server. Check your connection."
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Server error: %s", apiErr.Error())
	case errors.Is(err, session.ErrFetchFailed):
		return "Could not load sessions."
	default:
		return err.Error()
	}
}
