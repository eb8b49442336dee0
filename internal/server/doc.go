// Package server hosts the Fiber HTTP service and the runtime that backs it.
// Bootstrap wires config into the two-tier cache, the fetch coordinator and
// the metrics registry; NewApp exposes the object endpoint with request ids
// and panic recovery. Diagnostics endpoints live in package routes and the
// object handler in package proxy, so keep exports narrow and accept explicit
// dependencies.
package server
