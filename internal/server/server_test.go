package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shhac/grotto-bridge/internal/bridge"
	"github.com/shhac/grotto-bridge/internal/logging"
	"github.com/shhac/grotto-bridge/internal/registry"
	"github.com/shhac/grotto-bridge/internal/testutil"
)

type testServer struct {
	url      string
	registry *registry.Registry
	sessions *bridge.Manager
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	logger := logging.NewNopLogger()
	reg := registry.New(logger)
	sessions := bridge.NewManager(reg, bridge.ManagerConfig{Session: bridge.Options{DialTimeout: 5 * time.Second}}, logger)
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	srv := httptest.NewServer(New(cfg, reg, sessions, logger).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{url: srv.URL, registry: reg, sessions: sessions}
}

func uploadBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("proto", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, url string, files map[string]string) (int, map[string]any) {
	t.Helper()
	body, contentType := uploadBody(t, files)
	resp, err := http.Post(url+"/api/upload/proto", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

const commonProto = `
syntax = "proto3";
package shop.common;
message Money { int64 cents = 1; }
`

const shopProto = `
syntax = "proto3";
package shop.v1;
import "shop/common.proto";
service Checkout {
  rpc Pay(PayRequest) returns (shop.common.Money);
  rpc Watch(PayRequest) returns (stream shop.common.Money);
}
message PayRequest { shop.common.Money amount = 1; repeated string tags = 2; }
`

func TestUpload_SeveralFiles(t *testing.T) {
	ts := newTestServer(t, Config{})

	status, out := upload(t, ts.url, map[string]string{
		"shop/common.proto": commonProto,
		"shop/v1/shop.proto": shopProto,
	})
	require.Equal(t, http.StatusOK, status, out)
	assert.Contains(t, out["message"], "Loaded 1 service(s)")
	assert.Equal(t, map[string]any{"Checkout": []any{"Pay", "Watch"}}, out["services"])

	var listed map[string][]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.url+"/api/listServices", &listed))
	assert.Equal(t, map[string][]string{"Checkout": {"Pay", "Watch"}}, listed)
}

func TestUpload_FailureKeepsRegistry(t *testing.T) {
	ts := newTestServer(t, Config{})
	status, _ := upload(t, ts.url, testutil.Sources())
	require.Equal(t, http.StatusOK, status)

	status, out := upload(t, ts.url, map[string]string{"broken.proto": `syntax = "proto3"; message A { Missing m = 1; }`})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out["error"], "Invalid Definition")

	var listed map[string][]string
	getJSON(t, ts.url+"/api/listServices", &listed)
	assert.Contains(t, listed, "Stub")
}

func TestUpload_Rejections(t *testing.T) {
	ts := newTestServer(t, Config{MaxUploadBytes: 512})

	resp, err := http.Post(ts.url+"/api/upload/proto", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, contentType := uploadBody(t, map[string]string{"big.proto": strings.Repeat("/", 4096)})
	resp, err = http.Post(ts.url+"/api/upload/proto", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 400)

	status, out := upload(t, ts.url, map[string]string{"empty.proto": `syntax = "proto3"; package e; message M {}`})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out["error"], "no services")
}

func TestListServices_NothingLoaded(t *testing.T) {
	ts := newTestServer(t, Config{})

	var out map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.url+"/api/listServices", &out))
	assert.Equal(t, map[string]string{"error": "No descriptor loaded"}, out)
}

func TestServicesAndSchema(t *testing.T) {
	ts := newTestServer(t, Config{})
	status, _ := upload(t, ts.url, testutil.Sources())
	require.Equal(t, http.StatusOK, status)

	var services struct {
		Source   string        `json:"source"`
		Services []serviceView `json:"services"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.url+"/api/services", &services))
	assert.Equal(t, "upload", services.Source)
	require.Len(t, services.Services, 1)
	shapes := map[string]string{}
	for _, m := range services.Services[0].Methods {
		shapes[m.Name] = m.Shape
	}
	assert.Equal(t, "unary", shapes["Echo"])
	assert.Equal(t, "server-stream", shapes["Count"])
	assert.Equal(t, "client-stream", shapes["Sum"])
	assert.Equal(t, "bidi", shapes["Chat"])

	var schema map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.url+"/api/services/Stub/methods/Sum/schema", &schema))
	assert.Equal(t, "bridgetest.v1.Stub", schema["service"])
	assert.Equal(t, "client-stream", schema["shape"])
	assert.Contains(t, schema["input"], "fields")

	var missing map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.url+"/api/services/Stub/methods/Nope/schema", &missing))
	assert.Contains(t, missing["error"], `method "Nope" not found`)
}

func TestReflect(t *testing.T) {
	target := testutil.StartTarget(t)
	ts := newTestServer(t, Config{})

	resp, err := http.Post(ts.url+"/api/reflect", "application/json",
		strings.NewReader(`{"target":"`+target.Addr+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out loadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Services, "Stub")
	assert.Equal(t, target.Addr, ts.registry.Snapshot().Source())
}

func TestReflect_Errors(t *testing.T) {
	noReflection := testutil.StartTarget(t, testutil.WithoutReflection())
	ts := newTestServer(t, Config{})

	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"bad json", `{`, http.StatusBadRequest, "invalid JSON"},
		{"no target", `{}`, http.StatusBadRequest, "target is required"},
		{"unreachable", `{"target":"127.0.0.1:1"}`, http.StatusBadGateway, "Failed to Dial Target"},
		{"no reflection", `{"target":"` + noReflection.Addr + `"}`, http.StatusNotFound, "Reflection Not Available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.url+"/api/reflect", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			var out map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, out["error"], tt.errMsg)
		})
	}
	assert.Nil(t, ts.registry.Snapshot())
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example"}})

	req, err := http.NewRequest(http.MethodOptions, ts.url+"/api/listServices", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://other.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, Config{})

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.url+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := http.Get(ts.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/grpc/ws/stream"
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) string {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return string(data)
}

func TestStream_EndToEnd(t *testing.T) {
	target := testutil.StartTarget(t)
	ts := newTestServer(t, Config{})
	_, err := ts.registry.Register(context.Background(), testutil.Sources())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts.url), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	send := func(frame string) {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
	}
	send(`{"target":"` + target.Addr + `","service":"Stub","method":"Sum","mode":"client"}`)
	assert.JSONEq(t, `{"type":"system","content":"connected to `+target.Addr+`"}`, readFrame(t, ctx, conn))

	// A session is listed while the call is open
	var listed struct {
		Sessions []bridge.Info `json:"sessions"`
	}
	require.Eventually(t, func() bool {
		getJSON(t, ts.url+"/api/sessions", &listed)
		return len(listed.Sessions) == 1 && listed.Sessions[0].State == "CLIENT_ACCUMULATING"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Sum", listed.Sessions[0].Method)

	send(`{"n":1}`)
	send(`{"n":2}`)
	send(`{"n":3}`)
	send(`__END__`)
	assert.JSONEq(t, `{"sum":6}`, readFrame(t, ctx, conn))

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestStream_CloseSessionByID(t *testing.T) {
	target := testutil.StartTarget(t)
	ts := newTestServer(t, Config{})
	_, err := ts.registry.Register(context.Background(), testutil.Sources())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts.url), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"target":"`+target.Addr+`","service":"Stub","method":"Chat"}`)))
	readFrame(t, ctx, conn)

	id := ts.sessions.Sessions()[0].ID
	req, err := http.NewRequest(http.MethodDelete, ts.url+"/api/sessions/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.JSONEq(t, `{"type":"system","content":"closed"}`, readFrame(t, ctx, conn))
	require.Eventually(t, func() bool { return len(ts.sessions.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
