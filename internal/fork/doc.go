// Package fork multicasts one ordered record stream into per-branch streams.
//
// Open evaluates an Operator for the stream schema and for every record, and
// hands each record to the branches its routing selects. A record routed to a
// single branch is delivered as is; a record routed to two or more branches is
// deep-copied once per target so that no branch can observe another's
// mutations.
//
// Delivery starts only after every enabled branch has attached a consumer.
// Each branch has a bounded queue; when any queue is full the producer blocks,
// so the whole fork runs at the pace of its slowest branch. Upstream end of
// stream, upstream errors and fatal fork errors reach every branch after it
// has drained what was already queued.
package fork
