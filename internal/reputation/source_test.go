package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func etherscanServer(t *testing.T, status, message, result string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "contract", q.Get("module"))
		assert.Equal(t, "getabi", q.Get("action"))
		assert.Equal(t, "1", q.Get("chainid"))
		assert.Equal(t, token.Hex(), q.Get("address"))
		assert.Equal(t, "secret", q.Get("apikey"))
		json.NewEncoder(w).Encode(map[string]string{"status": status, "message": message, "result": result})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEtherscanVerified(t *testing.T) {
	server := etherscanServer(t, "1", "OK", `[{"type":"function","name":"transfer"}]`)

	ok, err := NewEtherscanClient(server.URL, "secret", fastOpts()...).IsVerified(context.Background(), 1, token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEtherscanUnverified(t *testing.T) {
	server := etherscanServer(t, "0", "NOTOK", "Contract source code not verified")

	ok, err := NewEtherscanClient(server.URL, "secret", fastOpts()...).IsVerified(context.Background(), 1, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEtherscanErrorResult(t *testing.T) {
	server := etherscanServer(t, "0", "NOTOK", "Invalid API Key")

	ok, err := NewEtherscanClient(server.URL, "secret", fastOpts()...).IsVerified(context.Background(), 1, token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API Key")
	assert.False(t, ok)
}

func sourcifyServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check-by-addresses", r.URL.Path)
		assert.Equal(t, token.Hex(), r.URL.Query().Get("addresses"))
		assert.Equal(t, "1", r.URL.Query().Get("chainIds"))
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSourcifyMatches(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"perfect", `[{"address":"` + token.Hex() + `","status":"perfect"}]`, true},
		{"perfect on chain", `[{"address":"` + token.Hex() + `","chainIds":[{"chainId":"1","status":"perfect"}]}]`, true},
		{"partial", `[{"address":"` + token.Hex() + `","chainIds":[{"chainId":"1","status":"partial"}]}]`, false},
		{"other chain", `[{"address":"` + token.Hex() + `","chainIds":[{"chainId":"10","status":"perfect"}]}]`, false},
		{"absent", `[{"address":"` + token.Hex() + `","status":"false"}]`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := sourcifyServer(t, tc.body)
			ok, err := NewSourcifyClient(server.URL, fastOpts()...).IsVerified(context.Background(), 1, token)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

type stubSource struct {
	ok    bool
	err   error
	calls int
}

func (s *stubSource) IsVerified(context.Context, uint64, common.Address) (bool, error) {
	s.calls++
	return s.ok, s.err
}

func TestAnySourceFallsBack(t *testing.T) {
	failing := &stubSource{err: errors.New("http 503")}
	verified := &stubSource{ok: true}
	never := &stubSource{ok: true}

	ok, err := AnySource{failing, verified, never}.IsVerified(context.Background(), 1, token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, never.calls)
}

func TestAnySourceUnverifiedAnswerWins(t *testing.T) {
	ok, err := AnySource{&stubSource{err: errors.New("timeout")}, &stubSource{}}.IsVerified(context.Background(), 1, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAnySourceAllFailing(t *testing.T) {
	first := errors.New("http 503")
	ok, err := AnySource{&stubSource{err: first}, &stubSource{err: errors.New("timeout")}}.IsVerified(context.Background(), 1, token)
	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.False(t, ok)
}

func TestEtherscanThroughSourcifyFallback(t *testing.T) {
	explorer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer explorer.Close()
	sourcify := sourcifyServer(t, `[{"address":"`+token.Hex()+`","status":"perfect"}]`)

	sources := AnySource{
		NewEtherscanClient(explorer.URL, "secret", fastOpts()...),
		NewSourcifyClient(sourcify.URL, fastOpts()...),
	}
	ok, err := sources.IsVerified(context.Background(), 1, token)
	require.NoError(t, err)
	assert.True(t, ok)
}
