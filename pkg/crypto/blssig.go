package crypto

import (
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// BLSSecretKey and BLSPublicKey alias the blst min-pubkey-size ciphersuite
// used for coin spend signatures. Using the min-pubkey-size variant keeps
// public keys small (48 bytes) at the cost of larger signatures (96 bytes),
// which suits a chain that gossips many signatures but few keys.
type BLSSecretKey = blst.SecretKey
type BLSPublicKey = blst.P1Affine
type BLSSignature = blst.P2Affine

const blsDomainSeparationTag = "BLS_SIG_KLINGNET_AUG_SCHEME_"

// GenerateBLSKey derives a secret key from a 32-byte seed (IKM).
func GenerateBLSKey(seed []byte) (*BLSSecretKey, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("bls seed must be at least 32 bytes, got %d", len(seed))
	}
	sk := blst.KeyGen(seed)
	if sk == nil {
		return nil, fmt.Errorf("bls key generation failed")
	}
	return sk, nil
}

// BLSPublicKeyFromSecret derives the public key for a secret key.
func BLSPublicKeyFromSecret(sk *BLSSecretKey) *BLSPublicKey {
	pk := new(BLSPublicKey)
	pk.From(sk)
	return pk
}

// BLSSign signs a message with the augmented scheme, which folds the
// signer's public key into the message before hashing to curve. This
// makes aggregate signatures secure against rogue-key attacks without
// requiring a separate proof of possession, which matters here because
// spend bundle signers are arbitrary puzzle-supplied keys, not a fixed
// validator set.
func BLSSign(sk *BLSSecretKey, msg []byte) *BLSSignature {
	sig := new(blst.P2Affine)
	return sig.Sign(sk, msg, []byte(blsDomainSeparationTag))
}

// AggregateBLSSignatures combines signatures from one or more signers into
// a single aggregate signature. This is the operation that lets a spend
// bundle carry exactly one signature regardless of how many coin spends
// and signing keys contributed to it.
func AggregateBLSSignatures(sigs []*BLSSignature) (*BLSSignature, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("cannot aggregate zero signatures")
	}
	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("one or more bls signatures failed validation")
	}
	return agg.ToAffine(), nil
}

// VerifyAggregateBLSSignature checks an aggregated signature against the
// list of (public key, message) pairs it was produced from. Every coin
// spend contributes its own message (the conditions it asserts), so this
// is always a multi-message aggregate verification, never a single-message
// one.
func VerifyAggregateBLSSignature(sig *BLSSignature, pks []*BLSPublicKey, msgs [][]byte) bool {
	if len(pks) != len(msgs) || len(pks) == 0 {
		return false
	}
	return sig.AggregateVerify(true, pks, true, msgs, []byte(blsDomainSeparationTag))
}

// VerifyAggregateSignatureOverMessages checks sigBytes as a single BLS
// aggregate signature covering one message per (pubKeys[i], messages[i])
// pair, each message suffixed with salt before verification. Shared by
// the block validator and the mempool, which each assemble their own
// (public key, message) obligations from AGG_SIG_ME conditions but must
// verify them against an aggregate signature the same way.
func VerifyAggregateSignatureOverMessages(sigBytes []byte, pubKeys [][]byte, messages [][]byte, salt []byte) error {
	if len(pubKeys) != len(messages) {
		return fmt.Errorf("pubkey/message count mismatch: %d keys, %d messages", len(pubKeys), len(messages))
	}
	if len(messages) == 0 {
		if len(sigBytes) != 0 {
			return fmt.Errorf("aggregate signature present but no AGG_SIG_ME obligation was raised")
		}
		return nil
	}
	if len(sigBytes) == 0 {
		return fmt.Errorf("AGG_SIG_ME obligations raised but no aggregate signature is present")
	}

	sig, err := DeserializeBLSSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid aggregate signature: %w", err)
	}

	pks := make([]*BLSPublicKey, len(pubKeys))
	msgs := make([][]byte, len(messages))
	for i := range pubKeys {
		pk, err := DeserializeBLSPublicKey(pubKeys[i])
		if err != nil {
			return fmt.Errorf("invalid public key in AGG_SIG_ME obligation %d: %w", i, err)
		}
		pks[i] = pk
		msgs[i] = append(append([]byte{}, messages[i]...), salt...)
	}

	if !VerifyAggregateBLSSignature(sig, pks, msgs) {
		return fmt.Errorf("aggregate signature does not verify against computed messages")
	}
	return nil
}

// SerializeBLSSignature encodes a signature to its 96-byte compressed form.
func SerializeBLSSignature(sig *BLSSignature) []byte {
	return sig.Compress()
}

// DeserializeBLSSignature decodes a 96-byte compressed signature.
func DeserializeBLSSignature(b []byte) (*BLSSignature, error) {
	sig := new(BLSSignature)
	sig = sig.Uncompress(b)
	if sig == nil {
		return nil, fmt.Errorf("invalid bls signature encoding")
	}
	if !sig.SigValidate(true) {
		return nil, fmt.Errorf("bls signature failed group validation")
	}
	return sig, nil
}

// SerializeBLSPublicKey encodes a public key to its 48-byte compressed form.
func SerializeBLSPublicKey(pk *BLSPublicKey) []byte {
	return pk.Compress()
}

// DeserializeBLSPublicKey decodes a 48-byte compressed public key.
func DeserializeBLSPublicKey(b []byte) (*BLSPublicKey, error) {
	pk := new(BLSPublicKey)
	pk = pk.Uncompress(b)
	if pk == nil {
		return nil, fmt.Errorf("invalid bls public key encoding")
	}
	if !pk.KeyValidate() {
		return nil, fmt.Errorf("bls public key failed group validation")
	}
	return pk, nil
}
