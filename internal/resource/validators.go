package resource

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Validator inspects a successful response body.
type Validator func(body []byte) error

// ErrInvalidJSON is returned by JSONHasFields for malformed bodies.
var ErrInvalidJSON = errors.New("invalid JSON")

// JSONHasFields requires the body to be valid JSON containing every gjson path.
func JSONHasFields(paths ...string) Validator {
	return func(body []byte) error {
		if !gjson.ValidBytes(body) {
			return ErrInvalidJSON
		}
		for _, p := range paths {
			if !gjson.GetBytes(body, p).Exists() {
				return fmt.Errorf("missing field %q", p)
			}
		}
		return nil
	}
}

// MinBytes requires the body to be at least n bytes long.
func MinBytes(n int) Validator {
	return func(body []byte) error {
		if len(body) < n {
			return fmt.Errorf("body too short: %d < %d bytes", len(body), n)
		}
		return nil
	}
}

// All combines validators, returning the first failure.
func All(vs ...Validator) Validator {
	return func(body []byte) error {
		for _, v := range vs {
			if v == nil {
				continue
			}
			if err := v(body); err != nil {
				return err
			}
		}
		return nil
	}
}
