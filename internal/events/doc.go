// Package events provides a small in-process publish/subscribe mechanism for
// job lifecycle events.
//
// Services emit events without knowing who reacts to them; the task package
// registers a handler that runs a dispatch pass whenever queue state changes.
package events
