// Package api is the JSON-over-HTTP surface. It translates requests to
// session manager and dispatch engine calls and maps domain errors to
// status codes; it holds no state of its own.
package api
