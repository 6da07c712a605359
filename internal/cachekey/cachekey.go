// Package cachekey derives the stable identifiers used to decide whether a
// task or lazy table result can be reused across runs.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
)

const (
	// Prefix namespaces every key produced by this package.
	Prefix = "TABLESTAGE"

	// Length is the number of hex characters kept from the digest (80 bits).
	Length = 20

	kindTask      = "TASK"
	kindLazyTable = "LAZY-TABLE"
)

// Compute hashes kind and parts and returns the truncated sha256 hex
// digest. Each part is prefixed with its length, so no two part lists
// encode the same way. The same inputs always produce the same key.
func Compute(kind string, parts ...string) string {
	h := sha256.New()
	writePart(h, Prefix+"-"+kind)
	for _, p := range parts {
		writePart(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))[:Length]
}

func writePart(w io.Writer, p string) {
	io.WriteString(w, strconv.Itoa(len(p)))
	io.WriteString(w, ":")
	io.WriteString(w, p)
}

// Task returns the cache key of a task invocation. An empty version is
// encoded as "None" so that unversioned tasks still hash consistently.
func Task(name, version, inputJSON string) string {
	if version == "" {
		version = "None"
	}
	return Compute(kindTask, name, version, inputJSON)
}

// LazyTable returns the cache key of a lazy table given the cache key of
// the task that produced it and the canonical text of its query.
func LazyTable(taskCacheKey, query string) string {
	return Compute(kindLazyTable, taskCacheKey, query)
}
