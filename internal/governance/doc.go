// Package governance implements the checkpoint gate: the
// pending -> approved | rejected | expired state machine that blocks
// sensitive actions until an explicit actor resolves them.
//
// Resolution is a single conditional UPDATE guarded by status = 'pending',
// so two racing resolvers see exactly one success. Expiry is the only
// system-initiated transition and is driven by Sweeper; nothing in this
// package ever approves a checkpoint on its own.
//
// Which event types are gated is decided by a CUE policy file:
//
//	default_expiry: "24h"
//	gate: {
//		"payment.send": {class: "cost", description: "outbound payment", expiry: "1h"}
//		"identity.merge": {class: "identity"}
//	}
package governance
