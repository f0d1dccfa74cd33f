// Package idgen provides the engine's default random/id generator (§6
// "Environment": "the engine consumes ... a random/id generator"), the way
// the teacher's spawner.go mints child agent ids with uuid.New() directly.
// Every id-typed field the engine's domain layer needs — agent ids,
// tool-call ids, prompt ids — is produced by a caller-supplied func() string;
// this package is simply the default a caller can hand in unchanged.
package idgen

import "github.com/google/uuid"

// New returns a fresh random v4 UUID string.
func New() string {
	return uuid.New().String()
}
