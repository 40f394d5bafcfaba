// Package router classifies supervisor bus events and applies the
// per-channel rules before handing them to the transport.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      supervisor bus (channel, packet)   │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   router                                │  ← Event routing
//	│   - drops actions, orphans, _old ids    │
//	│   - runs the stage for the event kind   │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ log:* ──────────→ logbuffer
//	          │                      - keeps recent lines per pm_id
//	          │                      - stops here unless forwarding
//	          │
//	          ├──→ process:exception → enricher
//	          │                      - last_logs, callsite, context
//	          │
//	          ├──→ axm:reply (dump) → artifact.Uploader
//	          │                      - stops here
//	          │
//	          ├──→ human:event ────→ renamed to data.__name
//	          │
//	          ├──→ (all) ──────────→ process ref normalized
//	          │                      drop filter applied
//	          │
//	          ├──→ *axm:trace* ────→ aggregator
//	          │                      - stops here
//	          │
//	          └──→ everything else → transport.Send
//	                                 log:* is sent as "logs"
//
// Route never returns an error. Failures are logged and the event is
// dropped.
package router
