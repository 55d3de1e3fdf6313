package transport

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/logbeacon/internal/testutils"
)

type capturedRequest struct {
	method          string
	path            string
	contentType     string
	contentEncoding string
	authorization   string
	body            []byte
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	var (
		mu       sync.Mutex
		requests []capturedRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		requests = append(requests, capturedRequest{
			method:          r.Method,
			path:            r.URL.Path,
			contentType:     r.Header.Get("Content-Type"),
			contentEncoding: r.Header.Get("Content-Encoding"),
			authorization:   r.Header.Get("Authorization"),
			body:            body,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func TestHTTPSender_Send(t *testing.T) {
	server, requests := newCaptureServer(t, http.StatusNoContent)

	sender := NewHTTPSender(HTTPOptions{
		Endpoint: server.URL + "/loki/api/v1/push",
		User:     "123456",
		Token:    "secret",
		Timeout:  time.Second,
	})

	err := sender.Send(context.Background(), []byte("compressed"))
	require.NoError(t, err)

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.Equal(t, "/loki/api/v1/push", got[0].path)
	assert.Equal(t, DefaultContentType, got[0].contentType)
	assert.Equal(t, "gzip", got[0].contentEncoding)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("123456:secret")), got[0].authorization)
	assert.Equal(t, []byte("compressed"), got[0].body)
}

func TestHTTPSender_NoAuthByDefault(t *testing.T) {
	server, requests := newCaptureServer(t, http.StatusOK)

	sender := NewHTTPSender(HTTPOptions{Endpoint: server.URL, ContentType: "application/x-protobuf"})
	require.NoError(t, sender.Send(context.Background(), []byte("x")))

	got := requests()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].authorization)
	assert.Equal(t, "application/x-protobuf", got[0].contentType)
}

func TestHTTPSender_Non2xxIsError(t *testing.T) {
	server, _ := newCaptureServer(t, http.StatusInternalServerError)

	sender := NewHTTPSender(HTTPOptions{Endpoint: server.URL})
	err := sender.Send(context.Background(), []byte("x"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPSender_NoEndpoint(t *testing.T) {
	sender := NewHTTPSender(HTTPOptions{})
	assert.ErrorIs(t, sender.Send(context.Background(), []byte("x")), ErrNoEndpoint)
}

func TestHTTPSender_SetEndpoint(t *testing.T) {
	first, firstRequests := newCaptureServer(t, http.StatusOK)
	second, secondRequests := newCaptureServer(t, http.StatusOK)

	sender := NewHTTPSender(HTTPOptions{Endpoint: first.URL})
	require.NoError(t, sender.Send(context.Background(), []byte("a")))

	sender.SetEndpoint(second.URL)
	assert.Equal(t, second.URL, sender.Endpoint())
	require.NoError(t, sender.Send(context.Background(), []byte("b")))

	assert.Len(t, firstRequests(), 1)
	assert.Len(t, secondRequests(), 1)
}

func TestHTTPSender_CancelledContext(t *testing.T) {
	server, requests := newCaptureServer(t, http.StatusOK)
	sender := NewHTTPSender(HTTPOptions{Endpoint: server.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sender.Send(ctx, []byte("x")), context.Canceled)
	assert.Empty(t, requests())
}

func TestBeaconSender_QueuesAndDrains(t *testing.T) {
	next := &testutils.MockSender{}
	beacon := NewBeaconSender(next, 4, time.Second, nil)
	beacon.Start()

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, beacon.Send(context.Background(), []byte(p)))
	}
	beacon.Stop()

	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, next.GetSentPayloads())
}

func TestBeaconSender_FallsBackWhenFull(t *testing.T) {
	next := &testutils.MockSender{}
	beacon := NewBeaconSender(next, 1, time.Second, nil)

	require.NoError(t, beacon.Send(context.Background(), []byte("queued")))
	require.NoError(t, beacon.Send(context.Background(), []byte("direct")))
	assert.Equal(t, [][]byte{[]byte("direct")}, next.GetSentPayloads())

	beacon.Start()
	beacon.Stop()
	assert.Equal(t, [][]byte{[]byte("direct"), []byte("queued")}, next.GetSentPayloads())
}

func TestBeaconSender_SynchronousFailureAfterStop(t *testing.T) {
	next := &testutils.MockSender{ShouldFail: true}
	beacon := NewBeaconSender(next, 1, time.Second, nil)
	beacon.Start()
	beacon.Stop()

	assert.Error(t, beacon.Send(context.Background(), []byte("late")))
}

func TestBeaconSender_SetEndpoint(t *testing.T) {
	next := &testutils.MockSender{}
	beacon := NewBeaconSender(next, 1, time.Second, nil)

	beacon.SetEndpoint("https://collector.example")
	assert.Equal(t, "https://collector.example", next.GetEndpoint())
}
