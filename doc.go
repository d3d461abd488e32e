// Package silentagent is the root of a browser relay client: a Go library
// and daemon that drives a browser extension through a WebSocket relay.
//
// # Architecture
//
// The module is organized bottom-up:
//
//   - transport: one physical WebSocket connection (dial, send, receive, close)
//   - wire: the JSON envelope exchanged with the relay
//   - connection: session lifecycle, request/response correlation, reconnect,
//     heartbeat, and event fan-out over the in-process eventbus
//   - destination: the site-domain to browser-tab routing map
//   - client: the public facade that routes named operations to local
//     handlers or the remote extension and normalizes their results
//
// Supporting packages carry the ambient concerns: errors (classified error
// taxonomy), config (YAML plus environment configuration), metric
// (Prometheus registration and exposure), eventbus (publish/subscribe), and
// testutil (a scriptable in-process relay for tests).
//
// The cmd/silent-agent daemon wires everything together: it maintains the
// relay connection, keeps the destination map fresh across extension
// attachments, and exposes connection metrics.
//
// # Usage
//
// Library consumers start from the client package:
//
//	cfg := config.Default()
//	agent, err := client.New(cfg)
//	if err != nil { ... }
//	info, err := agent.Connect(ctx)
//	result, err := agent.Navigate(ctx, client.NavigateArgs{URL: "https://example.com", NewTab: true})
package silentagent
