package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStandardClient_Wraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)

	if client.Client != customClient {
		t.Error("expected custom client to be wrapped")
	}
}

func TestStandardClient_NilUsesDefault(t *testing.T) {
	client := NewStandardClient(nil)
	if client.Client != http.DefaultClient {
		t.Error("expected http.DefaultClient")
	}
}

func TestNewInferenceClient_Timeout(t *testing.T) {
	if c := NewInferenceClient(0); c.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0 (transport default)", c.Timeout)
	}
	if c := NewInferenceClient(10 * time.Minute); c.Timeout != 10*time.Minute {
		t.Errorf("Timeout = %v, want 10m", c.Timeout)
	}
}

func TestStandardClient_SetsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := NewStandardClient(srv.Client()).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()

	if !strings.HasPrefix(gotUA, "lungseg/") {
		t.Errorf("User-Agent = %q, want lungseg/ prefix", gotUA)
	}
}

func TestMockHTTPClient_Get(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "ws1.example.org\n10.0.0.2\n")

	resp, err := mock.Get("http://example.com/hosts.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ws1.example.org\n10.0.0.2\n" {
		t.Errorf("got body %q", string(body))
	}
	if mock.RequestCount() != 1 {
		t.Errorf("got %d requests, want 1", mock.RequestCount())
	}
}

func TestMockHTTPClient_BytesResponse(t *testing.T) {
	mock := NewMockHTTPClient()
	payload := []byte{0x1f, 0x8b, 0x00, 0xff}
	mock.AddBytesResponse(http.StatusOK, ContentTypeBinary, payload)

	req, _ := http.NewRequest(http.MethodPost, "http://example.com/lung", nil)
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != ContentTypeBinary {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(payload) {
		t.Errorf("body = %v, want %v", body, payload)
	}
	if got := mock.GetRequest(0); got != req {
		t.Error("expected request to be recorded")
	}
}

func TestMockHTTPClient_Errors(t *testing.T) {
	mock := NewMockHTTPClient()
	queued := errors.New("connection refused")
	mock.AddErrorResponse(queued)

	if _, err := mock.Get("http://example.com"); !errors.Is(err, queued) {
		t.Errorf("err = %v, want queued error", err)
	}

	mock.DefaultError = errors.New("offline")
	if _, err := mock.Get("http://example.com"); err == nil || err.Error() != "offline" {
		t.Errorf("err = %v, want offline", err)
	}
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusTeapot,
			Body:       io.NopCloser(strings.NewReader("")),
			Header:     make(http.Header),
		}, nil
	}

	resp, err := mock.Get("http://example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestMockHTTPClient_DefaultResponseAndReset(t *testing.T) {
	mock := NewMockHTTPClient()
	resp, err := mock.Get("http://example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("default status = %d, want 200", resp.StatusCode)
	}

	mock.AddResponse(http.StatusInternalServerError, "oom")
	mock.Reset()
	if mock.RequestCount() != 0 || len(mock.Responses) != 0 {
		t.Error("expected Reset to clear state")
	}
	if mock.GetRequest(5) != nil {
		t.Error("expected nil for out-of-range request")
	}
}
