// Package session owns the caller<->worker contract for one bridge session.
//
// Ownership boundary:
// - request and event message types exchanged with the worker
// - tracking id and invoke id correlation of pending requests
// - session timing and buffer defaults
//
// Messages are value types. Byte slices are copied before they cross the
// worker boundary.
package session
