// Package watermark defines checkpointable watermarks: a source key paired
// with a totally ordered, mergeable position.
//
// A committed watermark means everything up to and including its position
// from its source has been durably processed by every branch.
//
// Positions are values. Implementations must be comparable with == so they
// can key maps, and must round-trip through the codec registry so storage
// backends can persist them.
package watermark
