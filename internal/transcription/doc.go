// Package transcription wraps batch speech recognizers behind a single
// utterance-level Adapter. Backends: a multipart HTTP endpoint and OpenAI Whisper.
package transcription
