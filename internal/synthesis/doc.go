// Package synthesis drives text-to-speech output for translated turns.
//
// A Controller owns at most one active Handle per session and copies the
// backend's PCM stream into a Sink. Cancel may be called from any goroutine
// and at any time; after it returns the sink receives nothing more from that
// handle. Cartesia is the websocket backend.
package synthesis
