package nca

import "sync"

// CryptoScratch serializes concurrent NCA reads: every ReadSection /
// ReadPatchStorage call (and the AesCtrEx table parse) holds its mutex for
// the duration of the call. GenerateHashTreePatch takes it only through
// the section reads it issues, not across the whole walk. One instance is shared across all NCA
// contexts opened within one dump session. The original kept an actual
// process-wide 8 MiB buffer behind this lock; Go's allocator makes the
// buffer itself pointless, so only the mutual exclusion is kept.
type CryptoScratch struct {
	mu sync.Mutex
}

// NewSharedScratch returns a scratch lock suitable for sharing across
// multiple nca.Open calls within one dump session.
func NewSharedScratch() *CryptoScratch {
	return &CryptoScratch{}
}
