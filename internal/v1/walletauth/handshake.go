// Package walletauth implements connection authentication: the EIP-191
// challenge/response handshake that is this service's primary auth
// method, and an additional JWT method for service/bridge connections.
package walletauth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	signaturePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

// Failure reasons, verbatim wire strings delivered in auth-failed frames.
const (
	ReasonNoPendingChallenge  = "No pending handshake challenge"
	ReasonExpired             = "Handshake challenge expired"
	ReasonMissingFields       = "Missing signature or address"
	ReasonInvalidAddress      = "Invalid Ethereum address format"
	ReasonInvalidSignature    = "Invalid signature format"
	ReasonVerificationFailed  = "Signature verification failed"
	ReasonVerificationError   = "Signature verification error"
)

// Challenge is the engine's bookkeeping for one pending connection: a
// single-use, time-bound nonce.
type Challenge struct {
	Token   string
	Message string
	Expiry  time.Time
}

// Engine issues and verifies EIP-191 challenge/response handshakes. It
// guarantees freshness (a server-generated nonce per challenge),
// single-use (the connection driver discards the pending challenge before
// calling Verify, win or lose), and bounded validity (the configured
// expiry).
//
// Engine holds no connection-keyed state itself; the caller (the
// connection driver) owns exactly one Challenge per pending connection,
// matching the data model's "pending challenge map... manipulated only by
// the owning connection" discipline.
type Engine struct {
	message string
	expiry  time.Duration
}

// NewEngine builds a handshake engine. message is the fixed prompt text;
// expiry is the challenge validity window (default 300s if <= 0).
func NewEngine(message string, expiry time.Duration) *Engine {
	if expiry <= 0 {
		expiry = 300 * time.Second
	}
	return &Engine{message: message, expiry: expiry}
}

// Issue creates a fresh challenge for a newly pending connection.
func (e *Engine) Issue(now time.Time) (Challenge, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("failed to generate handshake nonce: %w", err)
	}

	token := fmt.Sprintf("%d:%s", now.UnixMilli(), hex.EncodeToString(nonce))
	message := fmt.Sprintf("%s\n\nToken: %s", e.message, token)
	expiry := now.Add(e.expiry)

	return Challenge{Token: token, Message: message, Expiry: expiry}, nil
}

// Verify checks a client's auth-response against the pending challenge,
// returning the normalized (lowercased) wallet address on success or a
// wire-ready failure reason otherwise. hasPending must be false when no
// challenge is on file for this connection.
func Verify(hasPending bool, challenge Challenge, now time.Time, signature, address string) (walletAddress string, reason string) {
	if !hasPending {
		return "", ReasonNoPendingChallenge
	}
	if now.After(challenge.Expiry) {
		return "", ReasonExpired
	}
	if signature == "" || address == "" {
		return "", ReasonMissingFields
	}
	if !addressPattern.MatchString(address) {
		return "", ReasonInvalidAddress
	}
	if !signaturePattern.MatchString(signature) {
		return "", ReasonInvalidSignature
	}

	recovered, err := recoverAddress(challenge.Message, signature)
	if err != nil {
		return "", ReasonVerificationError
	}

	if !strings.EqualFold(recovered, address) {
		return "", ReasonVerificationFailed
	}

	return strings.ToLower(address), ""
}

// recoverAddress implements EIP-191 personal_sign recovery: the signed
// payload is "\x19Ethereum Signed Message:\n" || decimal(len(message)) ||
// message, recovered via secp256k1 and rendered as a checksum-agnostic
// 0x-prefixed address.
func recoverAddress(message, signatureHex string) (string, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return "", errors.New("signature must be 65 bytes")
	}

	// go-ethereum's Ecrecover expects the recovery id in [0, 3]; EIP-191
	// wallets commonly produce v in {27, 28}.
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	prefixed := []byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message)) + message)
	hash := crypto.Keccak256(prefixed)

	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}
