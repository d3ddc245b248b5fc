// Package diskovery keeps an in-memory model of a Diskovery spinning-disk
// and TIRF illumination controller synchronised over a serial line.
//
// # Architecture
//
//	              ┌──────────────┐
//	 status ────► │   Listener   │──┐
//	 lines        └──────────────┘  │ Apply    ┌─────────┐   Snapshot / getters
//	 (Link)       ┌──────────────┐  ├────────► │  Model  │ ◄──────────────────── callers
//	 commands ◄── │  Commander   │──┘          └─────────┘
//	              └──────────────┘                  │ changes
//	                                                 ▼
//	                                   Hub dispatcher → peripherals, subscribers
//
// The Listener and the Commander share one Transport through a Link. The
// Listener takes the link for one short read at a time; the Commander
// holds it for a whole purge, write and read exchange, so answers cannot
// be stolen. Both write the Model, which is the only shared mutable state.
//
// # Wire Protocol
//
// ASCII lines terminated by CRLF:
//
//	Q:FILTER_POSITION          query
//	S:FILTER_POSITION=3        set
//	FILTER_POSITION=3          answer or unsolicited status
//	STATUS=1                   busy marker, real answer follows
//	HEARTBEAT                  keep-alive
//
// Presence is established by sending Q:PRODUCT_MODEL and expecting
// PRODUCT_MODEL=DISKOVERY (see IsControllerPresent).
//
// # Lifecycle
//
//	hub, _ := diskovery.NewHub(diskovery.HubOptions{Transport: port})
//	if err := hub.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer hub.Shutdown()
//
//	err := hub.SetPresetFilter(ctx, 3)       // blocks until confirmed
//	state, _ := hub.Snapshot()               // never blocks on I/O
//
// # Errors
//
// Failures are reported with the sentinel errors in errors.go and should
// be tested with errors.Is. The listener logs and contains its errors; the
// commander returns every error to its caller.
package diskovery
