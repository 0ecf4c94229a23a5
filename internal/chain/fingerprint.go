// Package chain carries the pieces of the blockchain boundary the core owns:
// local fingerprint derivation and signing-key access. Transaction
// construction and submission stay behind the trivia.Blockchain capability.
package chain

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// Fingerprint derives the stable asset fingerprint for a (policy, asset name)
// pair: a hash of both rendered in base58 under the customary asset prefix.
// Chain backends that expose a native fingerprint query should prefer it;
// this derivation exists so tooling and tests agree on identifiers without a
// chain round-trip.
func Fingerprint(policyID, assetName string) string {
	h := sha256.Sum256([]byte(policyID + "." + assetName))
	return "asset1" + base58.Encode(h[:20])
}
