package send

import "errors"

var (
	// ErrInvalidContent is returned when content cannot be staged or
	// encoded for sending.
	ErrInvalidContent = errors.New("invalid content")
	// ErrInvalidUploadResult is returned when the file service accepts an
	// upload but returns an unusable result.
	ErrInvalidUploadResult = errors.New("invalid upload result")
)
