// Package sharedkey implements shared-key request signing.
//
// The string-to-sign is built from the method, eleven standard headers, the
// lower-cased x-ms-* headers, and the canonicalized resource (account, path
// and decoded query parameters). Its HMAC-SHA256 under the decoded account
// key is sent as
//
//	Authorization: SharedKey <account>:<signature>
//
// The output must match the service's verifier byte for byte, so every step
// of the canonicalization is fixed.
package sharedkey
