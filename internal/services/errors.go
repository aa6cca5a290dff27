package services

import "errors"

var (
	// ErrInvalidResponse means the AI response failed analysis and was not mapped.
	ErrInvalidResponse = errors.New("invalid AI response")
	// ErrSessionNotFound means no questionnaire session exists with the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCompleted means recommendations were already saved for the session.
	ErrSessionCompleted = errors.New("session already completed")
)
