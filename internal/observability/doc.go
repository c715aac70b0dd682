// Package observability provides structured logging and Prometheus metrics
// for the computer use API.
//
// This package implements:
//   - zap logger construction from configuration
//   - Request and user id propagation into log fields
//   - The Prometheus collectors exposed on /metrics
package observability
