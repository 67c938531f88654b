// Package participant runs an autonomous game participant. A Player listens
// for coordination messages addressed to it, writes its chat lines and
// reflections through a text completer, and answers every readiness prompt.
package participant
