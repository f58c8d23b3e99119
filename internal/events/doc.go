// Package events carries notifications from the login core to the UI shell.
//
// A Bus fans every published Event out to all current subscribers. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event rather than stalling
// the publisher, so each event reaches a subscriber at most once. The UI subscribes
// around its own lifecycle and must Close the Subscription when done:
//
//	sub := bus.Subscribe()
//	defer sub.Close()
//	for ev := range sub.Events() {
//		// ...
//	}
//
// Deduplication per (session, event name) is the publisher's job; the bus delivers
// whatever it is given.
package events
