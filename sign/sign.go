package sign

import (
	"crypto/ed25519"

	"github.com/seafooler/sign_tools"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

// GenED25519Keys creates an ED25519 key pair used to authenticate
// point-to-point messages.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	return sign_tools.GenED25519Keys()
}

// SignEd25519 signs the data with the ED25519 private key.
func SignEd25519(priKey ed25519.PrivateKey, data []byte) []byte {
	return sign_tools.SignEd25519(priKey, data)
}

// VerifySignEd25519 verifies an ED25519 signature.
func VerifySignEd25519(pubKey ed25519.PublicKey, data, sig []byte) (bool, error) {
	return sign_tools.VerifySignEd25519(pubKey, data, sig)
}

// GenTSKeys creates the threshold signature key shares and the public
// polynomial for a (t, n) committee.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	return sign_tools.GenTSKeys(t, n)
}

// SignTSPartial creates a partial threshold signature over data.
func SignTSPartial(priShare *share.PriShare, data []byte) []byte {
	return sign_tools.SignTSPartial(priShare, data)
}

// VerifyTSPartial checks a single partial signature against the public
// polynomial. The share index is recovered from the signature itself.
func VerifyTSPartial(pubPoly *share.PubPoly, data, partialSig []byte) error {
	suite := bn256.NewSuiteG2()
	return tbls.Verify(suite, pubPoly, data, partialSig)
}

// PartialSigIndex returns the share index embedded in a partial
// signature. Callers must check it against the index assigned to the
// signer, otherwise one member's partial could be counted under
// another member's name.
func PartialSigIndex(partialSig []byte) (int, error) {
	return tbls.SigShare(partialSig).Index()
}

// RecoverTS recovers the intact threshold signature from at least t
// partial signatures over distinct share indexes. Insufficient or bad
// shares are an error, never a panic.
func RecoverTS(pubPoly *share.PubPoly, data []byte, partialSigs [][]byte, t, n int) ([]byte, error) {
	suite := bn256.NewSuiteG2()
	return tbls.Recover(suite, pubPoly, data, partialSigs, t, n)
}

// VerifyTS verifies an intact threshold signature against the group
// public key committed by the polynomial.
func VerifyTS(pubPoly *share.PubPoly, data, intactSig []byte) error {
	suite := bn256.NewSuiteG2()
	return bls.Verify(suite, pubPoly.Commit(), data, intactSig)
}
