// Package app wires the module system into a running host: logging,
// state store, runtimes, package watching, repository polling and the
// main tick loop.
package app
