// Package ratchet implements the X3DH key agreement and Double Ratchet
// session primitives that the outgoing and incoming pipelines build on.
//
// There is no standalone libsignal binding in this module; the session
// state machine lives here instead, behind the same small surface
// (Store, BuildSession, Encrypt, Decrypt) a real binding would expose, so
// that callers never depend on the cryptographic internals directly.
package ratchet
