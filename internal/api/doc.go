// Package api hosts the HTTP handlers for provisioning and the artist and
// track resources.
//
// Handlers decode request bodies, hand the optional connection config to the
// catalog service and render results or classified errors as JSON. Routing,
// request ids, logging, metrics and rate limiting are applied by the
// middleware in internal/server.
package api
