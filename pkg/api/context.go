package api

// contextKey is a private type so context values cannot collide with other
// packages.
type contextKey string

const contextKeyRequestID contextKey = "requestID"
