// Package bridge connects a host scripting environment to a remote event bus.
//
// A Bridge owns one connection at a time and offers the operations scripts
// use:
//
//	b, _ := bridge.New(dialer, bridge.WithLogger(logger))
//	fut := b.Connect("tcp://localhost:7000")
//	reply := b.Request("myservice", "ping")
//	if ec, ok := b.WhenReceive("myservice"); ok {
//		body, _ := b.Payload(ec)
//		_ = b.Reply(ec, body)
//	}
//
// Listening is lazy: the first WhenReceive for an address subscribes to it,
// and messages are buffered per address in arrival order until a later
// WhenReceive step pops them. Every open of the connection resubscribes all
// known addresses and discards what was buffered before.
//
// Connect and Request return futures. Hosts that cannot block poll
// Future.Ready and read Future.Result once it reports true.
package bridge
