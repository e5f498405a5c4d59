// Package envelope owns the typed message body model and its cursor.
//
// Ownership boundary:
// - write-mode composition with open/close container scopes
// - read-mode decoding with enter/exit container scopes and probes
// - shared message handles (Ref/Release) with a single release point
//
// The byte layout on the real bus belongs to the transport. Envelope only
// knows complete typed values described by signatures.
package envelope
