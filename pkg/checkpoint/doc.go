// Package checkpoint saves and restores the progress of an ingestion run.
//
// A checkpoint records the byte offset of the next unread input line, the
// run counters, the fingerprints of every committed line and the unique
// value sets. Saves go through a synced temporary file and a rename; the
// previous file is kept as .backup and the one before that as .archive.
// Every file carries a sha256 checksum over its canonical JSON form, so a
// torn or edited main file falls back to the backup on load.
package checkpoint
