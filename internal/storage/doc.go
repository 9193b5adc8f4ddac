// Package storage persists bus messages: a Store appends records and reads
// back recent ones, and a Recorder feeds a Store from a bus subscription.
//
// Drivers:
//   - "file": JSON Lines, compacted to the newest MaxRecords
//   - "sqlite": SQLite database (build with -tags sqlite)
package storage
