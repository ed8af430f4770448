// Provides common keysmith errors definitions.
package keysmith_errors

import "errors"

var (
	ErrInvalidKeyFormat     = errors.New("keysmith: invalid key format")
	ErrKeyNotFound          = errors.New("keysmith: key not found")
	ErrKeyAlreadyBound      = errors.New("keysmith: key already bound")
	ErrIdentityDenylisted   = errors.New("keysmith: identity is denylisted")
	ErrReconciliationFailed = errors.New("keysmith: reconciliation failed")
	ErrBatchCommitFailed    = errors.New("keysmith: batch commit failed")
	ErrOperationInProgress  = errors.New("keysmith: operation already in progress")
	ErrCooldownActive       = errors.New("keysmith: cooldown active")
	ErrDeviceMismatch       = errors.New("keysmith: device fingerprint mismatch")

	ErrDocMissing    = errors.New("keysmith: document not found")
	ErrDocExists     = errors.New("keysmith: document already exists")
	ErrBatchTooLarge = errors.New("keysmith: batch exceeds store operation limit")
	ErrClosed        = errors.New("keysmith: store is closed")
)
