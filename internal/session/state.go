package session

import (
	"errors"
	"fmt"
)

// State is the view the user is currently in.
type State int

const (
	AwaitingImage State = iota
	EditingImage
	AnalysisPending
	ResultsReady
)

var stateNames = map[State]string{
	AwaitingImage:   "awaiting_image",
	EditingImage:    "editing_image",
	AnalysisPending: "analysis_pending",
	ResultsReady:    "results_ready",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name so snapshots serialize readably.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Machine errors.
var (
	ErrInvalidTransition = errors.New("event not allowed in current state")
	ErrBusy              = errors.New("another operation is in progress")
	ErrStale             = errors.New("result belongs to a discarded session")
)

// User-facing last-error messages.
const (
	MsgImageRead = "Could not read the image. Please choose a JPEG, PNG, GIF or WebP file."
	MsgEdit      = "Image edit error. Please try again or use a different instruction."
	MsgAnalysis  = "Analysis error. Please try again with another image."
	MsgChat      = "Sorry, something went wrong. Please try again."
)
