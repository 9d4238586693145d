package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindDownload      Kind = "DownloadFailure"
	KindProbe         Kind = "ProbeFailure"
	KindDetection     Kind = "DetectionFailure"
	KindExtraction    Kind = "ExtractionFailure"
	KindNormalization Kind = "NormalizationFailure"
	KindConcatenation Kind = "ConcatenationFailure"
	KindEmptyResult   Kind = "EmptyResultFailure"
	KindCleanup       Kind = "CleanupFailure"
	KindInvalidInput  Kind = "InvalidInput"
	KindWorkspace     Kind = "WorkspaceFailure"
	KindPublish       Kind = "PublishFailure"
)

var (
	// ErrNothingToKeep is wrapped by EmptyResultFailure.
	ErrNothingToKeep = errors.New("removals cover the whole source, nothing to keep")

	// ErrIncompatibleUnits is returned when units cannot be joined by stream copy.
	ErrIncompatibleUnits = errors.New("units are not stream-copy compatible")

	// ErrNoUnits is returned when asked to extract or join nothing.
	ErrNoUnits = errors.New("no media units")
)

// Error is the single typed failure surfaced by Orchestrator.Run.
type Error struct {
	Kind  Kind
	State State // state the job was in when it failed
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s in state %s: %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a pipeline error, or "" for anything else.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

func newError(kind Kind, state State, err error) *Error {
	return &Error{Kind: kind, State: state, Err: err}
}
