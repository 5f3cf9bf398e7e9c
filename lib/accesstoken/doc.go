// Copyright 2026 The Portico Authors
// SPDX-License-Identifier: Apache-2.0

// Package accesstoken issues and verifies the bearer tokens shared by
// the signaling and relay services.
//
// Tokens are HS256 JWTs carrying the user id and a finite expiry.
// Verification is stateless: any service holding the shared secret can
// verify a token without consulting storage, which is what lets the
// relay admit endpoints without a database of its own. The secret is a
// deployment invariant — both services must be configured with the same
// value or tokens minted by signaling will be rejected at the relay.
//
// There is no revocation list; a compromised token is valid until its
// expiry. Keep TTLs short enough that this is acceptable (the default
// is 24 hours).
package accesstoken
