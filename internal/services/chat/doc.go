// Package chat implements the realtime conversation channel between a
// travel advisor and a client.
//
// It keeps WebSocket lifecycle, message relay, presence, reactions, and
// seen tracking isolated from the CRUD surfaces so trip and billing
// services remain the source of truth for agency state.
package chat
