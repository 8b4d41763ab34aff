// Package pipeline provides the request gatekeeping chain.
//
// Every request walks a fixed sequence of stages before it reaches a handler.
// Each stage either admits the request, possibly contributing response
// headers, or denies it with a structured error that short-circuits the chain.
//
// # States
//
// An exchange moves forward only:
//
//	RECEIVED -> AUTH_CHECKED -> RATE_CHECKED -> DISPATCHED -> COMPLETE
//
// A denial stops the exchange in the last state it reached. The request
// logger runs exactly once per request, whichever state is terminal, and
// also when the handler panics.
//
// # Ordering
//
// Stages run in ascending Order. The gateway registers authentication before
// rate limiting so that token identities, not raw addresses, key the window
// table.
package pipeline
