package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildgraph.evalgo.org/coordinator"
	"buildgraph.evalgo.org/core/evaluator"
	"buildgraph.evalgo.org/core/graph"
	"buildgraph.evalgo.org/core/invalidate"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
	"buildgraph.evalgo.org/core/version"
)

const testKind keyvalue.Kind = "TEST_LEAF"

func newTestServer(t *testing.T) (*Server, *graph.Graph) {
	t.Helper()
	reg := registry.New()
	reg.Register(testKind, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		return keyvalue.JustValue(key.Payload()), nil
	})

	g := graph.New()
	vc := version.NewCounter()
	ev := evaluator.New(g, reg, vc, 8, nil)
	t.Cleanup(ev.Close)
	inv := invalidate.New(g, vc, nil)
	acceptor := coordinator.NewAcceptor(inv, testKind, nil)

	tokens := NewTokenService("test-secret")
	return NewServer(g, ev, inv, acceptor, nil, nil, tokens, time.Hour, 0, nil), g
}

func authedRequest(t *testing.T, tokens *TokenService, method, path string, body []byte) *http.Request {
	t.Helper()
	token, err := tokens.IssueToken("tester", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestIssueTokenReturnsSignedJWT(t *testing.T) {
	srv, _ := newTestServer(t)
	e := srv.Echo()

	body, _ := json.Marshal(tokenRequest{Subject: "tester"})
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
}

func TestEvaluateRejectsUnauthenticatedRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	e := srv.Echo()

	body, _ := json.Marshal(evaluateRequest{Keys: []keyDTO{{Kind: string(testKind), Payload: "a"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEvaluateReturnsComputedValues(t *testing.T) {
	srv, _ := newTestServer(t)
	e := srv.Echo()

	body, _ := json.Marshal(evaluateRequest{
		Keys:      []keyDTO{{Kind: string(testKind), Payload: "hello"}},
		KeepGoing: false,
	})
	req := authedRequest(t, srv.tokens, http.MethodPost, "/v1/evaluate", body)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp evaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Errors)

	key := keyvalue.New(testKind, "hello")
	assert.Equal(t, "hello", resp.Values[key.String()])
}

func TestInjectAndSnapshotRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	e := srv.Echo()

	injectBody, _ := json.Marshal(map[string]interface{}{
		"changes": []map[string]interface{}{
			{"key": keyDTO{Kind: string(testKind), Payload: "x"}, "value": "injected-value"},
		},
	})
	req := authedRequest(t, srv.tokens, http.MethodPost, "/v1/inject", injectBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	evalBody, _ := json.Marshal(evaluateRequest{Keys: []keyDTO{{Kind: string(testKind), Payload: "x"}}})
	req = authedRequest(t, srv.tokens, http.MethodPost, "/v1/evaluate", evalBody)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = authedRequest(t, srv.tokens, http.MethodGet, "/v1/snapshot", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	key := keyvalue.New(testKind, "x")
	node, ok := snap[key.String()]
	require.True(t, ok)
	assert.Equal(t, "injected-value", node["value"])
}
