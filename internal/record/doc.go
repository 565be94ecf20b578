// Package record provides the data types that flow through a forked task:
// record envelopes, fork routings, schemas, and the record stream contract.
//
// Payloads are generic. The bundled payload type is Object, a sealed JSON-like
// value tree (Null, String, Int, Bool, Array, Object) that can deep-copy itself
// and serialize to RFC 8785 canonical JSON. Any payload type that implements
// Copyable can be forked to more than one branch.
//
// Key constraints:
//   - NO float values (integers are int64) so canonical output is stable
//   - Envelopes are immutable once handed downstream; branches that need to
//     mutate a record receive their own copy when the record is multicast
//   - Routing length always equals the branch count declared at stream open
package record
