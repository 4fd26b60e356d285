// Package server hosts the video API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, CORS,
// logging, and metrics so handlers all share common instrumentation, and
// manages write deadlines per route so the progress event stream can stay
// open while ordinary requests keep a hard timeout.
package server
