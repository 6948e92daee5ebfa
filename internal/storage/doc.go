// Package storage provides the local key-value storage interface and
// in-memory implementation. A node's store only ever holds the keys routed
// to it as primary or replica; there is no persistence.
package storage
