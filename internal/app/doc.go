// Package app wires the licensing core into a running daemon.
//
// The Coordinator validates the license at startup, forwards license state
// changes and meter threshold crossings to the notification sink and runs
// the heartbeat. Every tick rotates the meter, revalidates the license and
// publishes one StatusSnapshot with an increasing sequence number.
//
// The Application owns the components and the HTTP server:
//
//	license.Manager -> metering.Meter -> gate.Registry
//	        \               |
//	         Coordinator -> notify.Dispatcher -> log + websocket.Hub
//
// Shutdown runs in a fixed order: heartbeat, dispatcher drain, websocket
// clients, HTTP server, telemetry providers. The package never calls
// os.Exit; errors are returned to main.
package app
