/*
Package events carries deployment lifecycle events from the orchestrator to
interested observers (progress logging, metrics).

Delivery is synchronous: Publish calls every handler in subscription order
and returns once they are done. A deployment run is single threaded, so
observers see events in exactly the order the state machine produced them
and nothing is dropped.

	broker := events.NewBroker()
	unsubscribe := broker.Subscribe(func(e *events.Event) {
		fmt.Println(e.Type, e.Message)
	})
	defer unsubscribe()

Handlers must not block; they run on the deployment's goroutine.
*/
package events
