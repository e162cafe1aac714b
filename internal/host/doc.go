// Package host runs Lua scripts against the event-bus bridge.
//
// Scripts talk to the bridge through the bus module, available as the
// global bus and through require("bus"):
//
//	bus.on_start(function()
//	  bus.connect("tcp://localhost:7000")
//	  bus.log("reply:", bus.request("myservice", "ping"))
//	end)
//
//	bus.when_receive("myservice", function()
//	  bus.reply("echo " .. bus.payload())
//	end)
//
// The Scheduler is cooperative. Each tick it polls every when_receive hat
// once; a hat that fires starts a new thread bound to the received message,
// so payload and reply inside that body always see their own message. Then
// every runnable thread is resumed until it yields. connect, request and
// wait suspend the calling thread and resume it on a later tick.
//
// "Stop all" (bus.stop_all, a signal, or a script reload) ends every thread.
// Hats stay registered.
package host
