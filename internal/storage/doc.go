// Package storage is the durable store for per-community tracking state.
//
// A Store owns exactly one backend handle at a time. Every operation reaches
// the handle through Store.backend(), so a reconnect (which swaps the handle)
// is visible to all callers immediately. Operations are bounded by a fixed
// timeout and fail with ErrTimeout when the backend hangs.
//
// Lifecycle and entity changes are published on the event bus as "store.*"
// events carrying a Signal payload.
package storage
