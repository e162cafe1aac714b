// Package event provides the host event bus for ebbridge.
//
// The bus carries host lifecycle notifications between loosely coupled
// components: the scheduler announces "stop all", the bridge announces
// connection state changes, and the script watcher announces reloads. None of
// these components import each other; they share only topics.
//
// # Event Topics
//
// Topics are hierarchical with dot notation:
//
//	host.stop_all               - every running script must stop
//	host.scripts.reloaded       - scripts were reloaded from disk
//	bridge.connection.opened    - the event-bus connection opened
//	bridge.connection.failed    - the connection attempt failed
//	bridge.connection.closed    - the connection closed
//
// # Wildcard Patterns
//
// Subscriptions support wildcard patterns:
//
//	bridge.connection.*  - matches opened, failed, closed (single segment)
//	bridge.**            - matches anything under bridge (multi-segment)
//
// # Delivery
//
// Delivery is synchronous: Publish runs every matching handler on the
// publisher's goroutine, in subscription order. Handler panics are recovered and
// reported through the panic handler; handler errors are reported through the
// error handler. Neither stops delivery to the remaining handlers.
//
// # Basic Usage
//
//	bus := event.NewBus()
//	sub, err := bus.SubscribeFunc(event.TopicStopAll, func(ctx context.Context, ev event.Event) error {
//	    conn.Disconnect()
//	    return nil
//	})
//	if err != nil {
//	    return err
//	}
//	defer bus.Unsubscribe(sub)
//
//	bus.Publish(ctx, event.TopicStopAll, nil)
package event
