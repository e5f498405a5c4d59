// Package systembus implements transport.Session on a real message bus
// through github.com/godbus/dbus/v5.
//
// Envelope bodies are converted to the Go values godbus marshals for the
// same signature, and decoded replies and signals are converted back.
// Signatures of decoded values are inferred from their Go types; inside
// variants the declared signature is used. An empty array of structs
// outside a variant carries no field types and cannot be converted.
//
// Match rules are installed on the daemon with AddMatch and evaluated
// again on the client to route each signal to the filters it matched.
package systembus
