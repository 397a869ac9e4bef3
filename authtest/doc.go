// Package authtest provides an in-process fake of the dashboard identity
// service for tests and local development.
//
// Issuer serves the three endpoints a session talks to
// (/api/auth/login, /api/auth/refresh, /api/auth/logout), publishes its
// signing key at /.well-known/jwks.json, and can guard arbitrary extra routes
// with bearer-token checks so request gateways can be exercised end to end.
// Knobs let tests force refresh failures, delay or gate refresh responses,
// and count calls.
package authtest
