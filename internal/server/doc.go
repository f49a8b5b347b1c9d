// Package server implements the WebSocket transport that carries audio frames
// and control events for translation sessions, and the HTTP monitoring API.
package server
