// Package password hashes account passwords with Argon2id for the reference
// account store.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.NeedsRehash] reports hashes produced with weaker parameters so the
// caller can replace them the next time the plaintext is available.
//
// The package never stores passwords and does not import any other codegate
// package.
package password
