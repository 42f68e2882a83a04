package services

import "errors"

// Lookup errors returned by the services; handlers map them to 404
var (
	ErrArchiveNotFound = errors.New("archive not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrRunNotFound     = errors.New("test run not found")
	ErrStoreDisabled   = errors.New("sql store not configured")
)
