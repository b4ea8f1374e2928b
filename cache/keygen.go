package cache

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned when a request cannot be turned into a cache key
var ErrInvalidKey = errors.New("cache: invalid request key")

// Params are the request parameters that take part in the cache key.
// Nil values are ignored.
type Params map[string]any

// KeyFor builds a stable cache key from path and params.
// Parameter order does not matter: map keys are serialized sorted.
func KeyFor(path string, params Params) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidKey)
	}

	clean := make(map[string]any, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		clean[k] = v
	}
	if len(clean) == 0 {
		return path, nil
	}

	b, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidKey, path, err)
	}
	return path + "?" + string(b), nil
}
