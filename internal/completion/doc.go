// Package completion abstracts the text-completion service participants use
// to write introductions, chat lines and diary entries.
package completion
