package auth

import "errors"

// ErrUnauthorized is returned when a request carries no valid key.
var ErrUnauthorized = errors.New("unauthorized")

// KeyInfo is one accepted admin key.
type KeyInfo struct {
	Key      string
	Operator string
	Enabled  bool
}

// KeyStore validates admin keys.
type KeyStore interface {
	Validate(key string) (*KeyInfo, error)
	List() []*KeyInfo
}
