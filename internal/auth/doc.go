// Package auth authenticates messaging clients.
//
// Clients present a JWT signed with HS256 using the configured jwt_secret.
// The "sub" claim carries the user ID that the rest of the system keys
// presence, conversations, and delivery state on.
//
// Tokens arrive either in the Authorization header ("Bearer <token>") or,
// for browser WebSocket dials that cannot set headers, in a "token" query
// parameter. TokenFromRequest handles both.
package auth
