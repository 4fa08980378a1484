package auth

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"

	"mercator-hq/tokenquota/pkg/config"
)

// KeyValidator validates keys against a configured set.
type KeyValidator struct {
	mu   sync.RWMutex
	keys map[string]*KeyInfo
}

// NewKeyValidator creates a validator holding keys.
func NewKeyValidator(keys []*KeyInfo) *KeyValidator {
	keyMap := make(map[string]*KeyInfo, len(keys))
	for _, key := range keys {
		keyMap[key.Key] = key
	}
	return &KeyValidator{keys: keyMap}
}

// FromConfig builds a validator from the server auth section.
func FromConfig(cfg config.AuthConfig) *KeyValidator {
	keys := make([]*KeyInfo, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys = append(keys, &KeyInfo{Key: k.Key, Operator: k.Operator, Enabled: !k.Disabled})
	}
	return NewKeyValidator(keys)
}

// Validate returns the info of key, or an error wrapping ErrUnauthorized.
func (v *KeyValidator) Validate(key string) (*KeyInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var match *KeyInfo
	for k, info := range v.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			match = info
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: invalid API key", ErrUnauthorized)
	}
	if !match.Enabled {
		return nil, fmt.Errorf("%w: API key disabled", ErrUnauthorized)
	}
	return match, nil
}

// List returns the configured keys ordered by operator.
func (v *KeyValidator) List() []*KeyInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys := make([]*KeyInfo, 0, len(v.keys))
	for _, key := range v.keys {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Operator < keys[j].Operator })
	return keys
}

// Add adds or replaces a key.
func (v *KeyValidator) Add(info *KeyInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[info.Key] = info
}

// Remove deletes a key.
func (v *KeyValidator) Remove(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.keys, key)
}
