// Package events fans runtime lifecycle events out to WebSocket observers.
//
// A Bus numbers events from 1, serializes them once and queues the bytes on
// every registered Client. Each Client owns a writer goroutine, so a slow or
// dead socket never blocks emission; clients whose queue overflows are
// dropped. A heartbeat pings every client and terminates those that did not
// answer the previous ping.
//
// New clients receive the most recent runtime status as their first event,
// atomically with registration, so no delta can overtake it.
//
// Events are a closed sum type. Decode returns either *RuntimeStatusEvent or
// *RuntimeErrorEvent:
//
//	switch ev := ev.(type) {
//	case *events.RuntimeStatusEvent:
//		fmt.Println(ev.Status.Phase)
//	case *events.RuntimeErrorEvent:
//		fmt.Println(ev.Error)
//	}
package events
