// Package stream implements the per-session event channel: an ordered,
// multi-subscriber broadcast of session events. Publishing never blocks the
// producer; each subscription buffers independently and without bound, so a
// slow websocket consumer cannot stall the session runtime or its sibling
// subscribers. Closing the channel terminates every subscription
// with channel closure as the end-of-stream signal.
package stream
