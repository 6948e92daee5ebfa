// Package replication decides which nodes hold copies of a key and drives
// the parallel fan-out of writes to them. Replication is best effort: a
// failed replica write is reported back to the caller but never undoes the
// primary's write.
package replication
