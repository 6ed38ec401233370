package invoice

import (
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"paylink/crypto"
)

// Signer produces the node signature over an invoice signing digest.
type Signer interface {
	SignInvoice(digest [32]byte) ([]byte, error)
}

// NodeSigner signs invoices with the node's secp256k1 identity key.
type NodeSigner struct {
	key *crypto.PrivateKey
}

// NewNodeSigner wraps the node key in a Signer.
func NewNodeSigner(key *crypto.PrivateKey) (*NodeSigner, error) {
	if key == nil {
		return nil, errors.New("invoice: nil node key")
	}
	return &NodeSigner{key: key}, nil
}

// SignInvoice returns a 65-byte recoverable ECDSA signature over the digest.
func (s *NodeSigner) SignInvoice(digest [32]byte) ([]byte, error) {
	return ethcrypto.Sign(digest[:], s.key.PrivateKey)
}

// VerifySignature checks an invoice signature against the signing node's
// public key bytes (uncompressed SECP256k1 form).
func VerifySignature(digest [32]byte, signature, pubKey []byte) bool {
	if len(signature) != 65 {
		return false
	}
	recovered, err := ethcrypto.SigToPub(digest[:], signature)
	if err != nil {
		return false
	}
	return string(ethcrypto.FromECDSAPub(recovered)) == string(pubKey)
}
