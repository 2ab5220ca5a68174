// Package timeouts defines shared timeout constants used across the service.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second

// Storage caps a single call into the persistence collaborator made while a
// character actor holds its mutation slot.
const Storage = 3 * time.Second

// ActorIdle is how long a character actor may sit without work before it is
// torn down.
const ActorIdle = 2 * time.Minute

// FrameWrite bounds a single outbound WebSocket write so one slow peer cannot
// stall a broadcast indefinitely.
const FrameWrite = 2 * time.Second
