package iolog

import "errors"

var (
	// ErrResumeMismatch is returned when the resume checkpoint does not
	// match the elapsed time at any record boundary of the timing channel
	ErrResumeMismatch = errors.New("iolog: resume point not found in timing channel")

	// ErrMissingChannel is returned when a channel file needed by an
	// operation does not exist
	ErrMissingChannel = errors.New("iolog: missing channel file")

	// ErrClosed is returned by operations on a closed log
	ErrClosed = errors.New("iolog: log closed")
)
