package hub

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/signalhub/hub/internal/v1/config"
)

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := NewService(cfg, nil, nil)
	router := gin.New()
	router.GET(cfg.Server.WSPath, svc.ServeWs)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, svc
}

func dialWS(t *testing.T, srv *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func anonymousConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{WSPath: "/ws"},
		Rooms:   []config.RoomConfig{{ID: "lobby", RoutingMode: config.RoutingBroadcast}},
		Auth:    config.AuthConfig{Enabled: false, Method: config.AuthMethodNone},
		Logging: config.LoggingConfig{Level: "info"},
	}
}

func TestServeWs_AnonymousConnect_AutoJoinsDefaultRoomAndBroadcasts(t *testing.T) {
	srv, _ := newTestServer(t, anonymousConfig())

	a := dialWS(t, srv)
	defer a.Close()
	b := dialWS(t, srv)
	defer b.Close()

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"chat","text":"hello"}`)))

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestServeWs_PerIPCapacityReturns503(t *testing.T) {
	cfg := anonymousConfig()
	cfg.ConnectionLimits.MaxConnectionsPerIP = 1
	srv, _ := newTestServer(t, cfg)

	first := dialWS(t, srv)
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestServeWs_TotalCapacityReturns503(t *testing.T) {
	cfg := anonymousConfig()
	cfg.ConnectionLimits.MaxTotalConnections = 1
	srv, _ := newTestServer(t, cfg)

	first := dialWS(t, srv)
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestServeWs_WrongPath_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, anonymousConfig())

	resp, err := http.Get(srv.URL + "/not-the-ws-path")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func ethereumHandshakeConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{WSPath: "/ws"},
		Rooms:  []config.RoomConfig{{ID: "lobby", RoutingMode: config.RoutingBroadcast}},
		Auth: config.AuthConfig{
			Enabled:          true,
			Method:           config.AuthMethodEthereumHandshake,
			HandshakeMessage: "Sign this to authenticate with the signaling server",
			HandshakeExpiry:  300,
		},
		Logging: config.LoggingConfig{Level: "info"},
	}
}

func signChallenge(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	prefixed := []byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message)) + message)
	hash := crypto.Keccak256(prefixed)
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func TestServeWs_SuccessfulHandshakeThenAuthenticated(t *testing.T) {
	srv, _ := newTestServer(t, ethereumHandshakeConfig())

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	conn := dialWS(t, srv)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var challenge struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Token   string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(raw, &challenge))
	require.Equal(t, "auth-challenge", challenge.Type)

	sig := signChallenge(t, key, challenge.Message)
	resp := map[string]string{"type": "auth-response", "signature": sig, "address": address}
	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, respBytes))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)

	var success struct {
		Type    string `json:"type"`
		Address string `json:"address"`
	}
	require.NoError(t, json.Unmarshal(raw, &success))
	require.Equal(t, "auth-success", success.Type)
	require.Equal(t, strings.ToLower(address), success.Address)
}

func TestServeWs_BadSignature_AuthFailedThenClose(t *testing.T) {
	srv, _ := newTestServer(t, ethereumHandshakeConfig())

	conn := dialWS(t, srv)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	resp := map[string]string{"type": "auth-response", "signature": "0x" + strings.Repeat("00", 65), "address": "0x" + strings.Repeat("11", 20)}
	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, respBytes))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var failed struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(raw, &failed))
	require.Equal(t, "auth-failed", failed.Type)
	require.NotEmpty(t, failed.Reason)

	_, _, err = conn.ReadMessage()
	require.Error(t, err, "the connection must close after a failed handshake")
}
