package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "botwatch/pkg/logx"
)

func TestHealthReportsChecks(t *testing.T) {
	s := New(Config{}, logx.Nop())
	s.AddCheck("storage", func(context.Context) (string, bool) { return "connected", true })
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var body healthBody
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "connected", body.Checks["storage"])

	s.AddCheck("node_health", func(context.Context) (string, bool) { return "stopped", false })
	res2, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res2.StatusCode)
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{Token: "s3cret", Pprof: true}, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/debug/pprof/", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/healthz?token=s3cret")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestPprofOffByDefault(t *testing.T) {
	ts := httptest.NewServer(New(Config{}, logx.Nop()).Handler())
	defer ts.Close()
	res, err := http.Get(ts.URL + "/debug/pprof/")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestStartRefusesInsecureBind(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, logx.Nop())
	require.Error(t, s.Start(context.Background()))

	s = New(Config{Addr: "127.0.0.1:0"}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	res, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHealthSingleCheck(t *testing.T) {
	s := New(Config{}, logx.Nop())
	s.AddCheck("storage", func(context.Context) (string, bool) { return "connected", true })
	s.AddCheck("discord", func(context.Context) (string, bool) { return "connecting", false })
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz/storage")
	require.NoError(t, err)
	var body healthBody
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, map[string]string{"storage": "connected"}, body.Checks)

	res, err = http.Get(ts.URL + "/healthz/discord")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	res, err = http.Get(ts.URL + "/healthz/nope")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
