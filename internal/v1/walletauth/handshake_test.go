package walletauth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testWallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	return &testWallet{key: priv, address: addr}
}

func signPersonal(t *testing.T, w *testWallet, message string) string {
	t.Helper()
	prefixed := []byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message)) + message)
	hash := crypto.Keccak256(prefixed)
	sig, err := crypto.Sign(hash, w.key)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func TestEngine_IssueProducesWellFormedChallenge(t *testing.T) {
	e := NewEngine("Sign this to authenticate with the signaling server", 300*time.Second)
	now := time.Now()

	c, err := e.Issue(now)
	require.NoError(t, err)
	assert.Contains(t, c.Message, "Sign this to authenticate with the signaling server")
	assert.Contains(t, c.Message, "Token: "+c.Token)
	assert.WithinDuration(t, now.Add(300*time.Second), c.Expiry, time.Millisecond)
}

func TestEngine_DefaultsExpiryTo300Seconds(t *testing.T) {
	e := NewEngine("msg", 0)
	now := time.Now()
	c, err := e.Issue(now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(300*time.Second), c.Expiry, time.Millisecond)
}

func TestVerify_SuccessfulHandshake(t *testing.T) {
	wallet := newTestWallet(t)
	e := NewEngine("Sign this to authenticate with the signaling server", 300*time.Second)
	now := time.Now()
	c, err := e.Issue(now)
	require.NoError(t, err)

	sig := signPersonal(t, wallet, c.Message)

	addr, reason := Verify(true, c, now, sig, wallet.address)
	assert.Empty(t, reason)
	assert.Equal(t, lower(wallet.address), addr)
}

func TestVerify_CaseInsensitiveAddressComparison(t *testing.T) {
	wallet := newTestWallet(t)
	e := NewEngine("msg", 300*time.Second)
	now := time.Now()
	c, err := e.Issue(now)
	require.NoError(t, err)

	sig := signPersonal(t, wallet, c.Message)

	upper := "0x" + upperHex(wallet.address[2:])
	addr, reason := Verify(true, c, now, sig, upper)
	assert.Empty(t, reason, "address case must not affect verification")
	assert.Equal(t, lower(wallet.address), addr)
}

func TestVerify_NoPendingChallenge(t *testing.T) {
	_, reason := Verify(false, Challenge{}, time.Now(), "0x"+hex65(), "0x"+hex40())
	assert.Equal(t, ReasonNoPendingChallenge, reason)
}

func TestVerify_ExpiredChallenge(t *testing.T) {
	now := time.Now()
	c := Challenge{Token: "t", Message: "m", Expiry: now.Add(-time.Millisecond)}
	_, reason := Verify(true, c, now, "0x"+hex65(), "0x"+hex40())
	assert.Equal(t, ReasonExpired, reason)
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	wallet := newTestWallet(t)
	e := NewEngine("msg", 300*time.Second)
	now := time.Now()
	c, err := e.Issue(now)
	require.NoError(t, err)
	sig := signPersonal(t, wallet, c.Message)

	_, reason := Verify(true, c, c.Expiry.Add(-time.Millisecond), sig, wallet.address)
	assert.Empty(t, reason, "one millisecond before expiry must succeed")

	_, reason = Verify(true, c, c.Expiry.Add(time.Millisecond), sig, wallet.address)
	assert.Equal(t, ReasonExpired, reason, "one millisecond after expiry must fail")
}

func TestVerify_InvalidAddressFormat(t *testing.T) {
	now := time.Now()
	c := Challenge{Message: "m", Expiry: now.Add(time.Minute)}
	_, reason := Verify(true, c, now, "0x"+hex65(), "not-an-address")
	assert.Equal(t, ReasonInvalidAddress, reason)
}

func TestVerify_InvalidSignatureFormat(t *testing.T) {
	now := time.Now()
	c := Challenge{Message: "m", Expiry: now.Add(time.Minute)}
	_, reason := Verify(true, c, now, "not-a-signature", "0x"+hex40())
	assert.Equal(t, ReasonInvalidSignature, reason)
}

func TestVerify_WrongMessageFailsVerification(t *testing.T) {
	wallet := newTestWallet(t)
	e := NewEngine("msg", 300*time.Second)
	now := time.Now()
	c, err := e.Issue(now)
	require.NoError(t, err)

	sig := signPersonal(t, wallet, "a different message entirely")

	_, reason := Verify(true, c, now, sig, wallet.address)
	assert.Equal(t, ReasonVerificationFailed, reason)
}

func TestVerify_MismatchedAddressFails(t *testing.T) {
	wallet := newTestWallet(t)
	other := newTestWallet(t)
	e := NewEngine("msg", 300*time.Second)
	now := time.Now()
	c, err := e.Issue(now)
	require.NoError(t, err)

	sig := signPersonal(t, wallet, c.Message)

	_, reason := Verify(true, c, now, sig, other.address)
	assert.Equal(t, ReasonVerificationFailed, reason)
}

func hex65() string {
	b := make([]byte, 65)
	return hex.EncodeToString(b)
}

func hex40() string {
	b := make([]byte, 20)
	return hex.EncodeToString(b)
}

func upperHex(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 32
		}
	}
	return string(out)
}

func lower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'F' {
			out[i] = c + 32
		}
	}
	return string(out)
}
