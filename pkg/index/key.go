package index

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned for keys with empty elements or reserved
// characters.
var ErrInvalidKey = errors.New("invalid store key")

// StoreKey is a slash-delimited logical key such as a namespace path or a
// reference name. Keys order byte-wise on their raw string form.
type StoreKey string

// Key builds a StoreKey from its elements.
func Key(elements ...string) (StoreKey, error) {
	if len(elements) == 0 {
		return "", fmt.Errorf("%w: no elements", ErrInvalidKey)
	}
	for _, e := range elements {
		if err := validateElement(e); err != nil {
			return "", err
		}
	}
	return StoreKey(strings.Join(elements, "/")), nil
}

// MustKey is Key for constant keys; it panics on invalid input.
func MustKey(elements ...string) StoreKey {
	k, err := Key(elements...)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseKey validates the slash-delimited form s.
func ParseKey(s string) (StoreKey, error) {
	return Key(strings.Split(s, "/")...)
}

func validateElement(e string) error {
	if e == "" {
		return fmt.Errorf("%w: empty element", ErrInvalidKey)
	}
	if strings.ContainsAny(e, "/\x00") {
		return fmt.Errorf("%w: element %q contains a reserved character", ErrInvalidKey, e)
	}
	return nil
}

func (k StoreKey) String() string { return string(k) }

// Elements splits k at its separators.
func (k StoreKey) Elements() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), "/")
}

// Compare orders keys byte-wise.
func (k StoreKey) Compare(other StoreKey) int {
	return strings.Compare(string(k), string(other))
}

// StartsWith is a raw string prefix test. Reference-name prefix queries use
// it, so "refs/heads/ma" matches "refs/heads/main".
func (k StoreKey) StartsWith(prefix string) bool {
	return strings.HasPrefix(string(k), prefix)
}

// IsInNamespace reports whether k is ns itself or lies below it, comparing
// whole elements: "a/bc" is not in namespace "a/b".
func (k StoreKey) IsInNamespace(ns StoreKey) bool {
	if ns == "" || k == ns {
		return true
	}
	return strings.HasPrefix(string(k), string(ns)+"/")
}
