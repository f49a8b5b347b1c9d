// Package protocol implements the binary audio frame format carried over the
// transport websocket: a fixed header with VAD annotation followed by PCM16LE samples.
package protocol
