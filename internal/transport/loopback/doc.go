// Package loopback is an in-process bus implementing transport.Session.
//
// Ownership boundary:
// - unique and well-known name ownership
// - method dispatch to exported handlers, Properties and ObjectManager
// - signal fan-out to match-rule filters through per-session inboxes
//
// Every message crosses the bus as a sealed frame, so a receiver never
// shares values with the sender. Exported method handlers run on the
// calling goroutine; signals wait in the receiver's inbox until it calls
// Process. Each session exposes a pipe descriptor that is readable while
// its inbox is non-empty.
package loopback
