package vault

import "errors"

var (
	ErrKeyNotFound       = errors.New("vault: key not found")
	ErrInvalidPassphrase = errors.New("vault: invalid passphrase")
	ErrInvalidKeyID      = errors.New("vault: invalid key id")
)
