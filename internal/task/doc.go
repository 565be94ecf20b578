// Package task runs one ingestion task end to end.
//
// A task reads a record stream, forks it with a fork operator, drains every
// enabled branch into its writer, and commits the watermarks that every
// routed branch has durably written:
//
//	source -> fork.Open (tracker observes) -> branch queues -> writers
//	                                                              |
//	storage <- manager (periodic + final commit) <- tracker <- acks
//
// The producer, one consumer per branch and the manager's scheduler run
// concurrently; the producer and consumers are supervised by an errgroup so
// that the first failure cancels the rest.
package task
