// Package translation manages the per-session language model history and the
// system instruction for the active language pair.
package translation
