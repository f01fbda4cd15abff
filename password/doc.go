// Package password provides the default Argon2id password verifier in PHC
// string format. Verification honors the parameters embedded in the stored
// hash, so cost upgrades roll out without invalidating existing hashes.
package password
