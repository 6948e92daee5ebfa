// Package coordinator implements PUT, GET and DELETE for one node. It looks
// up the key's replica chain, serves the request from the local store when
// this node is the primary and forwards it to the primary otherwise. Writes
// served as primary are copied to the rest of the chain on a best-effort
// basis.
package coordinator
