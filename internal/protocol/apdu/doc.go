// Package apdu owns compound service payload decoding.
//
// Ownership boundary:
// - read-property-multiple and read-range acknowledgement decoders
// - read-property, i-am, cov-notification and write-property payloads
// - ack encoders used by the simulated device side
//
// Decoders here are total: a malformed member degrades to a placeholder and
// a diagnostic error, never to a lost result.
package apdu
