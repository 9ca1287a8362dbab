package ingress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, sink DownloadSink) *Server {
	t.Helper()
	if sink == nil {
		sink = func(url, referer string, headers map[string]string) (int64, error) { return 1, nil }
	}
	s := New(Config{Addr: "127.0.0.1:0", AppName: "surge", Version: "test"}, sink, func() any {
		return map[string]any{"active": 0}
	})
	go func() { _ = s.ListenAndServe() }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("ingress never bound a listener")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestPingUnauthenticated(t *testing.T) {
	s := startTestServer(t, nil)
	resp, err := http.Get("http://" + s.Addr() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "surge", body["app"])
}

func TestTokenEndpointMatchesServerToken(t *testing.T) {
	s := startTestServer(t, nil)
	resp, err := http.Get("http://" + s.Addr() + "/token")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, s.Token(), body["token"])
}

func TestDownloadRequiresToken(t *testing.T) {
	s := startTestServer(t, nil)
	body, _ := json.Marshal(DownloadRequest{URL: "http://example.com/f.bin"})
	resp, err := http.Post("http://"+s.Addr()+"/download", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDownloadWithValidTokenInvokesSink(t *testing.T) {
	var gotURL string
	s := startTestServer(t, func(url, referer string, headers map[string]string) (int64, error) {
		gotURL = url
		return 42, nil
	})

	body, _ := json.Marshal(DownloadRequest{URL: "http://example.com/f.bin", Token: s.Token()})
	resp, err := http.Post("http://"+s.Addr()+"/download", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "http://example.com/f.bin", gotURL)
}

func TestDownloadWithHeaderTokenAlsoWorks(t *testing.T) {
	s := startTestServer(t, nil)
	body, _ := json.Marshal(DownloadRequest{URL: "http://example.com/f.bin"})
	req, err := http.NewRequest(http.MethodPost, "http://"+s.Addr()+"/download", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Auth-Token", s.Token())
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOriginWhitelistRejectsUnknownOrigin(t *testing.T) {
	s := startTestServer(t, nil)
	req, err := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/ping", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOriginWhitelistAllowsExtension(t *testing.T) {
	s := startTestServer(t, nil)
	req, err := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/ping", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "chrome-extension://abcdefg")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "chrome-extension://abcdefg", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOptionsPreflightReturnsNoContent(t *testing.T) {
	s := startTestServer(t, nil)
	req, err := http.NewRequest(http.MethodOptions, "http://"+s.Addr()+"/download", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEventsStreamDeliversPublishedEvent(t *testing.T) {
	s := startTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/events?token=%s", s.Addr(), s.Token()), nil)
	require.NoError(t, err)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	deadline := time.Now().Add(time.Second)
	for s.Events().SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Events().Publish("progress", map[string]any{"id": 7, "downloaded": 1024})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "event:") {
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
		if strings.HasPrefix(line, "data:") {
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			break
		}
	}
	assert.Equal(t, "progress", eventLine)
	assert.Contains(t, dataLine, `"id":7`)
}

func TestStatusReturnsCallerSuppliedBody(t *testing.T) {
	s := startTestServer(t, nil)
	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(0), body["active"])
}

func TestControlWithoutHandlerReturns501(t *testing.T) {
	s := startTestServer(t, nil)
	body, _ := json.Marshal(ControlRequest{Action: "pause", ID: 1, Token: s.Token()})
	resp, err := http.Post("http://"+s.Addr()+"/control", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestControlDispatchesToHandler(t *testing.T) {
	s := startTestServer(t, nil)

	var got ControlRequest
	s.SetControl(func(req ControlRequest) error {
		got = req
		return nil
	})

	body, _ := json.Marshal(ControlRequest{Action: "cancel", ID: 42, Token: s.Token()})
	resp, err := http.Post("http://"+s.Addr()+"/control", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "cancel", got.Action)
	assert.Equal(t, int64(42), got.ID)
}

func TestControlRejectsBadToken(t *testing.T) {
	s := startTestServer(t, nil)
	s.SetControl(func(req ControlRequest) error { return nil })

	body, _ := json.Marshal(ControlRequest{Action: "pause", ID: 1, Token: "wrong"})
	resp, err := http.Post("http://"+s.Addr()+"/control", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
