package channel

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/shachain"
)

// perCommitmentSecret derives the per-commitment secret for the given
// commitment number from our sha-chain seed.
func perCommitmentSecret(seed [32]byte, index uint64) [32]byte {
	producer := shachain.NewRevocationProducer(chainhash.Hash(seed))

	secret, err := producer.AtIndex(index)
	if err != nil {
		// AtIndex only fails on out-of-range indices, which cannot
		// happen for monotonically increasing commitment numbers.
		panic(err)
	}

	return [32]byte(*secret)
}

// perCommitmentPoint derives the per-commitment point for the given
// commitment number.
func perCommitmentPoint(seed [32]byte, index uint64) *btcec.PublicKey {
	secret := perCommitmentSecret(seed, index)
	_, point := btcec.PrivKeyFromBytes(secret[:])

	return point
}

// verifyRevocation checks that a revealed revocation secret matches the
// per-commitment point the revoked commitment was built with.
func verifyRevocation(secret [32]byte, point *btcec.PublicKey) bool {
	_, derived := btcec.PrivKeyFromBytes(secret[:])

	return derived.IsEqual(point)
}
