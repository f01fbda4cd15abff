// Package internal holds shared crypto-random identifier and token helpers
// used across the authcore packages. Nothing here is part of the public API.
package internal
