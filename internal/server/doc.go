// Package server hosts the Fiber HTTP front end of the edge: request IDs, the
// Host → OriginRoute lookup, JSON error rendering, and the OriginRegistry that
// also tells the fetch client where each public origin is really served from.
// Requests under /-/ bypass Host mapping and are reserved for diagnostics and
// the worker control channel (see package routes).
package server
