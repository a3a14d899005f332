package widget

import "errors"

var (
	ErrClosed          = errors.New("widget: closed")
	ErrNotOpen         = errors.New("widget: not open")
	ErrAlreadyOpen     = errors.New("widget: already open")
	ErrWrongState      = errors.New("widget: operation not allowed in current state")
	ErrEmptyName       = errors.New("widget: name is required")
	ErrEmptyMessage    = errors.New("widget: message is empty")
	ErrMessageTooLong  = errors.New("widget: message is too long")
	ErrEmptyFile       = errors.New("widget: file is empty")
	ErrFileTooLarge    = errors.New("widget: file is too large")
	ErrChatEndedUpload = errors.New("widget: chat ended during upload")
)

// Banner texts shown to the customer.
const (
	BannerSendFailed    = "Message could not be sent. Please try again."
	BannerUploadFailed  = "File could not be uploaded."
	BannerFileTooLarge  = "File is too large."
	BannerStartFailed   = "Could not start the chat. Please try again."
	BannerResumeFailed  = "Could not restore your chat."
	BannerEndFailed     = "Could not end the chat. Please try again."
	BannerChatEndedFile = "The chat ended before your file was sent."
)
