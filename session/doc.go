// Package session stores server-side session records in Redis hashes and
// implements the refresh-token rotation protocol. Rotation is a Lua
// compare-and-swap on the stored refresh hash: under concurrent refreshes of
// the same token exactly one caller wins, and a mismatch destroys the session
// and deny-lists its ID, which is how token replay is detected and contained.
package session
