// Package ingest drives one ingestion run: it streams an NDJSON input from a
// byte offset, groups unseen lines into batches, parses them, fetches their
// images and merges each batch into the run metrics together with the offset
// advance.
//
// A run moves through init, an optional resume from checkpoint, streaming with
// periodic checkpointing, and completion. Cancellation stops at the next line
// or batch boundary; the committed state is saved and ErrInterrupted returned
// with the partial Result.
//
// The batch size adapts to resource pressure and batch duration through a
// Controller, which shares its bounded step Policy with the retry backoff.
package ingest
