// Package cachekey builds cache keys from request method, URI and the
// request header values a stored variant varies on.
package cachekey

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var ErrMalformedKey = fmt.Errorf("malformed cache key")

const (
	methodSeparator = ":"
	varySeparator   = "\t"
)

// Keyer builds cache keys scoped to a single cache instance.
type Keyer struct {
	// Prefix distinguishing this cache's keys, usually the origin.
	Prefix string
}

func NewKeyer(prefix string) Keyer {
	if prefix != "" && !strings.HasSuffix(prefix, methodSeparator) {
		prefix += methodSeparator
	}
	return Keyer{Prefix: prefix}
}

// BaseKey returns the variant-independent key for a method and URI.
// All stored variants of the resource share this prefix.
func (k Keyer) BaseKey(method, uri string) string {
	return k.Prefix + method + methodSeparator + uri + varySeparator
}

// ForRequest returns the base key for a request.
func (k Keyer) ForRequest(r *http.Request) string {
	return k.BaseKey(r.Method, r.URL.RequestURI())
}

// AddVariant extends a base key with the request header values named by
// the response's Vary header. Names are lowercased and sorted so that
// header order does not produce distinct keys.
func (k Keyer) AddVariant(base string, reqHeader http.Header, vary []string) string {
	names := make([]string, 0, len(vary))
	for _, name := range vary {
		names = append(names, strings.ToLower(strings.TrimSpace(name)))
	}
	sort.Strings(names)
	key := base
	for _, name := range names {
		if name == "" {
			continue
		}
		key += "\n" + name + ": " + reqHeader.Get(name)
	}
	return key
}

// Split breaks a full key into its base and variant parts.
func (k Keyer) Split(key string) (base string, variant string, err error) {
	i := strings.Index(key, varySeparator)
	if i < 0 {
		return "", "", ErrMalformedKey
	}
	return key[:i+len(varySeparator)], key[i+len(varySeparator):], nil
}

// Method recovers the request method encoded in a key.
func (k Keyer) Method(key string) (string, error) {
	rest := strings.TrimPrefix(key, k.Prefix)
	method, _, found := strings.Cut(rest, methodSeparator)
	if !found {
		return "", ErrMalformedKey
	}
	return method, nil
}

// VaryHeaders reconstructs the request header values encoded in the
// variant part of a key.
func (k Keyer) VaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, "\n")
	for i := 1; i < len(lines); i++ {
		if name, value, found := strings.Cut(lines[i], ": "); found {
			header.Add(name, value)
		}
	}
	return header
}
