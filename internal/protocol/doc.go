// Package protocol defines the coordination message envelope and the game
// events carried in it.
package protocol
