// Package vad provides an energy-based voice activity detector used for
// frames that arrive without a transport-side VAD decision.
package vad
