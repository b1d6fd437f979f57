package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrBadSignature = errors.New("auth: invalid wallet signature")
	ErrStale        = errors.New("auth: signed timestamp outside allowed window")
)

// LoginMessage is the text a wallet signs to identify itself.
// Format: "p2pramp|{address}|{unix seconds}"
func LoginMessage(addr string, timestamp int64) string {
	return fmt.Sprintf("p2pramp|%s|%d", strings.ToLower(addr), timestamp)
}

// HashMessage creates an EIP-191 personal_sign hash of message.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the lowercase signer address from a 65-byte
// hex signature (r || s || v, v in {0,1,27,28}).
func RecoverAddress(message, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrBadSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature checks that expected signed message.
func VerifySignature(message, signatureHex, expected string) error {
	got, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: signed by %s, not %s", ErrBadSignature, got, strings.ToLower(expected))
	}
	return nil
}
