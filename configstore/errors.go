package configstore

import "errors"

var (
	ErrNotInitialized    = errors.New("config store not initialized")
	ErrAlreadyLoaded     = errors.New("config already loaded")
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrPathNotFound      = errors.New("config path not found")
	ErrStoreClosed       = errors.New("config store closed")
	ErrEmptyPath         = errors.New("config path cannot be empty")
	ErrInvalidSchedule   = errors.New("invalid autosave schedule")
)
