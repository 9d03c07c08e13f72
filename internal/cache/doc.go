// Package cache implements the persistent cache storage owned by the edge worker.
// A Storage holds named cache generations (StoragePath/<generation>/); each
// generation maps request URLs to stored responses written with temp file +
// rename semantics so a reader never observes a partially written entry.
// VideoStore layers the video-specific lookup, admission and eviction policy on
// top of a single generation.
package cache
