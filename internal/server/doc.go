// Package server assembles the HTTP surface of the API: routes, the embedded
// admin tool, the collaborator proxy and the middleware chain shared by all of
// them (request ids, logging, metrics, security headers, CORS and rate
// limiting).
package server
