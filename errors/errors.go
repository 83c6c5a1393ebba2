package errors

import "fmt"

var (
	ErrUnauthorized     = fmt.Errorf("unauthorized")
	ErrForbidden        = fmt.Errorf("forbidden")
	ErrRoomNotFound     = fmt.Errorf("room not found")
	ErrIdentityNotFound = fmt.Errorf("identity not found")
	ErrCaptchaRejected  = fmt.Errorf("captcha rejected")
	ErrDecryptFailed    = fmt.Errorf("envelope decryption failed")
	ErrEmptyMessage     = fmt.Errorf("message has no content and no attachment")
	ErrBlobTooLarge     = fmt.Errorf("blob exceeds size cap")
	ErrEmptyWords       = fmt.Errorf("no words have been found")
	ErrStoreUnavailable = fmt.Errorf("store unavailable")
)
