package upgrade

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zeebo/blake3"

	xerrors "virgo/internal/errors"
)

// SignatureSuffix is appended to an executable path to locate its signature.
const SignatureSuffix = ".sig"

// Verifier checks that a candidate executable was signed by the release key.
// Signatures are secp256k1 over the BLAKE3 digest of the file, stored next to
// it as hex or raw bytes.
type Verifier struct {
	publicKey []byte
}

// NewVerifier parses a hex encoded compressed (33 byte) or uncompressed
// (65 byte) secp256k1 public key.
func NewVerifier(hexKey string) (*Verifier, error) {
	raw, err := decodeHex(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigParse, err, "invalid upgrade public key")
	}
	switch len(raw) {
	case 33:
		pub, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigParse, err, "invalid upgrade public key")
		}
		return &Verifier{publicKey: crypto.FromECDSAPub(pub)}, nil
	case 65:
		if _, err := crypto.UnmarshalPubkey(raw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigParse, err, "invalid upgrade public key")
		}
		return &Verifier{publicKey: raw}, nil
	default:
		return nil, xerrors.Newf(xerrors.CodeConfigParse, "invalid upgrade public key length %d", len(raw))
	}
}

// VerifyFile checks path against the signature stored at path+".sig".
func (v *Verifier) VerifyFile(path string) error {
	digest, err := Digest(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpgradeVerify, err, "upgrade verification failed")
	}
	sig, err := readSignature(path + SignatureSuffix)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpgradeVerify, err, "upgrade verification failed")
	}
	if !crypto.VerifySignature(v.publicKey, digest[:], sig[:64]) {
		return xerrors.Newf(xerrors.CodeUpgradeVerify, "signature mismatch for %s", path)
	}
	return nil
}

// Digest returns the BLAKE3-256 digest of the file at path.
func Digest(path string) ([32]byte, error) {
	var digest [32]byte
	file, err := os.Open(path)
	if err != nil {
		return digest, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return digest, fmt.Errorf("hash %s: %w", path, err)
	}
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

func readSignature(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	sig := content
	if trimmed := bytes.TrimSpace(content); len(trimmed) >= 128 {
		if decoded, err := decodeHex(string(trimmed)); err == nil {
			sig = decoded
		}
	}
	if len(sig) != 64 && len(sig) != 65 {
		return nil, fmt.Errorf("signature has %d bytes, want 64 or 65", len(sig))
	}
	return sig, nil
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	return hex.DecodeString(value)
}
