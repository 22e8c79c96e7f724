// Package store defines the key/value contract that every persistence backend
// implements and builds the job and user repositories on top of it. Job
// records, the fingerprint-to-job index and user accounts all live in the
// same KV under distinct key prefixes.
package store
