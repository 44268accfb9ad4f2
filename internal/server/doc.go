// Package server exposes the matchmaker over HTTP: the websocket endpoint,
// health and online-count endpoints, and Prometheus metrics.
//
// Every route shares one middleware chain of request ids, request logging,
// metrics, CORS, security headers and rate limiting. User identity is taken
// from a header set by the authenticating proxy in front of the server.
package server
