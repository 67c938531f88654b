// Package wire carries the JSON shapes of the house HTTP API and the small
// client helpers used to call it.
package wire
