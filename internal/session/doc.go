// Package session manages translation sessions. Each session owns a
// segmenter, a translation context, a synthesis controller and the
// orchestrator goroutine that ties them together; idle sessions are
// removed by a periodic cleanup routine.
package session
