package store

import "errors"

var (
	ErrFacultyNotFound      = errors.New("faculty not found")
	ErrConsultationNotFound = errors.New("consultation not found")
	ErrInvalidTransition    = errors.New("invalid consultation transition")
	ErrConflict             = errors.New("concurrent update conflict")
	ErrDuplicateFaculty     = errors.New("faculty email or beacon already registered")
	ErrBrokenEventChain     = errors.New("consultation event chain broken")
)
