// Package decode defines the opaque decoder boundary between raw downloaded bytes and the
// values held by the memory tier, plus a content-type keyed registry of decoders.
package decode
