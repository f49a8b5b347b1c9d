// Package reconfig parses out-of-band control payloads sent by the remote
// party and holds the latest one until the pipeline reaches a turn boundary.
//
// A payload carries two independently optional parts:
//
//	{
//	  "translation_config": {"source_language": "nl-BE", "target_language": "en"},
//	  "voice_settings": {"speed": 1.2, "volume": 0.8, "emotion": "calm"}
//	}
//
// Absent fields mean unchanged. A payload that fails to parse, or carries
// out-of-range voice values, is rejected as a whole.
package reconfig
