// Package store declares the session progress repository. Implementations
// live in the storage packages; this package must not import database
// drivers or concrete clients.
package store
