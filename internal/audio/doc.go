// Package audio turns a VAD-annotated frame stream into sealed utterances and
// prepares them for transcription: concatenation, resampling to the canonical
// rate, amplitude normalisation and WAV encoding.
package audio
