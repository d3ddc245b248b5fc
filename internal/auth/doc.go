// Package auth provides bearer-token authorisation for the Diskovery API.
//
// Tokens are HS256 JWTs signed with the shared secret from
// security.jwt.secret. They carry a subject and a role; the role maps to a
// static permission set (compile-time, no database lookup):
//   - viewer: read state and history
//   - operator: viewer plus moving the optics (presets, motor, refresh)
//
// Tokens are issued out of band (see `diskoveryd token`), there are no
// user accounts or refresh tokens.
package auth
