// Package pipeline implements the per-session turn state machine:
//
//	LISTENING -> TRANSCRIBING -> TRANSLATING -> SPEAKING -> LISTENING
//
// with a transient RECONFIGURING state entered only from LISTENING. One
// goroutine owns each turn. Speech starting while SPEAKING cancels output
// immediately (barge-in). Reconfiguration arriving mid-turn is held and
// applied on the next LISTENING entry. Model failures and timeouts drop the
// turn and never end the session.
package pipeline
