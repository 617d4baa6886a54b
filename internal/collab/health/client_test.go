package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/lk2023060901/flowsync-go/pkg/util/merr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, supportedRange string) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		Endpoint:       srv.URL + "/api/v1/ws/health",
		SupportedRange: supportedRange,
	})
	require.NoError(t, err)
	return c, srv
}

func TestCheckOK(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"warning","utilization":0.82,"activeConnections":820,"maxConnections":1000,"serverVersion":"2.3.1"}`))
	}, "")

	status, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateWarning, status.Status)
	assert.InDelta(t, 0.82, status.Utilization, 1e-9)
	assert.Equal(t, 820, status.ActiveConnections)
	assert.Equal(t, "2.3.1", status.ServerVersion)
}

func TestCheckRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Inc() == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy","utilization":0.1,"activeConnections":10,"maxConnections":1000}`))
	}, "")

	status, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, status.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCheckUnavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, "")

	_, err := c.Check(context.Background())
	require.Error(t, err)
	assert.True(t, merr.Code(err) == merr.Code(merr.ErrHealthUnavailable))
}

func TestCheckMalformedBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}, "")

	_, err := c.Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, merr.Code(merr.ErrMessageMalformed), merr.Code(err))
}

func TestCheckVersion(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}, ">=2.0.0 <3.0.0")

	// 兼容版本。
	assert.NoError(t, c.CheckVersion(&Status{ServerVersion: "2.5.0"}))

	// 带前缀的版本号也应被接受。
	assert.NoError(t, c.CheckVersion(&Status{ServerVersion: "v2.5.0"}))

	// 旧版本服务器未下发版本号时视为兼容。
	assert.NoError(t, c.CheckVersion(&Status{}))
	assert.NoError(t, c.CheckVersion(nil))

	// 不兼容版本。
	err := c.CheckVersion(&Status{ServerVersion: "3.0.0"})
	require.Error(t, err)
	assert.Equal(t, merr.Code(merr.ErrVersionMismatch), merr.Code(err))
}

func TestCheckVersionWithoutRange(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}, "")

	assert.NoError(t, c.CheckVersion(&Status{ServerVersion: "99.0.0"}))
}

func TestNewClientRejectsBadRange(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "http://localhost/health", SupportedRange: "not-a-range"})
	assert.Error(t, err)
}
