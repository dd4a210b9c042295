package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"loom/internal/dispatch"
	"loom/internal/services"
	"loom/internal/testsupport"
)

func TestHTTPDispatcherAccept(t *testing.T) {
	var got dispatch.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithBackendURL(server.URL))
	d, err := dispatch.NewHTTPDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewHTTPDispatcher failed: %v", err)
	}

	req := dispatch.Request{
		Kind:        "image",
		RecordID:    7,
		PipelineID:  "p-1",
		StageKey:    "image",
		DispatchID:  "dispatch-1",
		CreditsCost: 0.25,
		Prompt:      "harbor at dawn",
	}
	if err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.DispatchID != "dispatch-1" || got.Prompt != "harbor at dawn" {
		t.Fatalf("backend saw unexpected payload: %#v", got)
	}
}

func TestHTTPDispatcherRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":false,"error":"unsupported aspect ratio"}`))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithBackendURL(server.URL))
	d, err := dispatch.NewHTTPDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewHTTPDispatcher failed: %v", err)
	}

	err = d.Dispatch(context.Background(), dispatch.Request{Kind: "image", DispatchID: "dispatch-2"})
	if !errors.Is(err, services.ErrDispatchRejected) {
		t.Fatalf("expected ErrDispatchRejected, got %v", err)
	}
}

func TestHTTPDispatcherServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithBackendURL(server.URL))
	d, err := dispatch.NewHTTPDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewHTTPDispatcher failed: %v", err)
	}

	err = d.Dispatch(context.Background(), dispatch.Request{Kind: "image"})
	if !errors.Is(err, services.ErrDispatchRejected) {
		t.Fatalf("server errors are rejections, got %v", err)
	}
}

func TestHTTPDispatcherUnreachable(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBackendURL("http://127.0.0.1:1"))
	d, err := dispatch.NewHTTPDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewHTTPDispatcher failed: %v", err)
	}

	err = d.Dispatch(context.Background(), dispatch.Request{Kind: "image"})
	if !errors.Is(err, services.ErrDispatchRejected) {
		t.Fatalf("connection failures are rejections, got %v", err)
	}
}
