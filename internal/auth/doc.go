// Package auth provides authentication for coven-relay clients.
//
// # JWT Tokens
//
// Clients authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret (at least MinSecretLength bytes). The "sub" claim is the
// participant id; an expired "exp" claim is rejected.
//
//	verifier, err := NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("user-123", 30*time.Minute)
//	participantID, err := verifier.Verify(token)
//
// # Transports
//
// HTTP API requests carry the token in the Authorization header and pass
// through HTTPAuthMiddleware, which stores an AuthContext on the request
// context. WebSocket upgrades may instead pass ?token=, since browsers cannot
// set headers on the upgrade request; TokenFromRequest accepts either.
//
// # Errors
//
//   - ErrInvalidToken: bad signature, malformed token or wrong algorithm
//   - ErrExpiredToken: token past its exp claim
//   - ErrMissingClaim: no usable "sub" claim
//   - ErrWeakSecret: secret shorter than MinSecretLength
package auth
