// Package engine implements the sync engine facade.
//
// An Engine is one execution context's view of the shared record store. It
// writes envelopes through an adapter, announces each write on every
// configured channel, and delivers newer records written by other contexts
// to subscribed handlers.
//
// ARCHITECTURE:
//
// Inbound Flow:
// 1. Change sources (native signal, broadcast bus, local hub) emit
// notifications from their own goroutines
// 2. Self-notifications and already-processed (key, version) pairs are
// dropped; the rest go on a FIFO queue
// 3. Engine.Run() dequeues one notification at a time, reads the key and
// offers the stored envelope to the poller
// 4. The poller advances the key's bookmark under last-writer-wins and
// calls the handlers subscribed to the key
//
// The poller also re-reads every subscribed key on its interval and on
// Focus/Visible, offering through the same path, so a key converges even
// when every notification is lost.
//
// Deliveries are serialized per engine: no two handler calls of one engine
// overlap. Engines share nothing but the store and the buses they are given,
// so any number of them can run in one process.
package engine
