// Package device defines the BLE transport contract consumed by the coordination core.
//
// The core never owns the physical link. It talks to the radio through:
//   - Central: radio state, already-connected peripherals, filtered scanning
//   - Peripheral: connect, discovery, characteristic write, notification monitoring
//   - Subscription: an ordered stream of notifications that can be removed at any time
//
// Transport failures are reported through the sentinel errors in this package so callers
// can classify them with errors.Is regardless of the backing BLE library.
package device
