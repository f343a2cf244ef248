// Package accounts is a small SQLite account table that implements
// codegate.Identity for the codegate binary and its examples.
//
// Migrations are embedded and applied with goose when the database is
// opened. Passwords are stored as Argon2id PHC strings from the password
// package.
package accounts
