package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/fleetconsole/schema"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCreateSessionAndTabs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(schema.ShellSession{SessionID: "s1", Cwd: req.Cwd, PID: 42})
	})
	mux.HandleFunc("GET /api/tabs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tabs":[{"id":"t1","root_path":"/w","segments":[],"active_index":-1}]}`)
	})
	mux.HandleFunc("DELETE /api/tabs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "t1" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	session, err := client.CreateSession(ctx, CreateSessionRequest{Cwd: "/w"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.SessionID != "s1" || session.Cwd != "/w" || session.PID != 42 {
		t.Fatalf("unexpected session: %+v", session)
	}
	tabs, err := client.ListTabs(ctx)
	if err != nil {
		t.Fatalf("list tabs: %v", err)
	}
	if len(tabs) != 1 || tabs[0].ID != "t1" || tabs[0].ActiveIndex != -1 {
		t.Fatalf("unexpected tabs: %+v", tabs)
	}
	if err := client.DeleteTab(ctx, "t1"); err != nil {
		t.Fatalf("delete tab: %v", err)
	}
	if err := client.DeleteTab(ctx, "t2"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusBadRequest, KindInvalid},
		{http.StatusServiceUnavailable, KindUnavailable},
		{http.StatusTeapot, KindUnknown},
	}
	for _, tc := range cases {
		status := tc.status
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"session not ready"}`)
		}))
		_, err := client.GetSession(context.Background(), "s1")
		var apiErr *Error
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: expected *Error, got %T", status, err)
		}
		if apiErr.Kind != tc.want || apiErr.Status != status {
			t.Fatalf("status %d: expected kind %s, got %s", status, tc.want, apiErr.Kind)
		}
		if apiErr.Error() != "get session: session not ready" {
			t.Fatalf("unexpected message: %q", apiErr.Error())
		}
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client, err := New(Config{BaseURL: url})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.DestroySession(context.Background(), "s1"); KindOf(err) != KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestResizeValidates(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req resizeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/api/sessions/s1/resize" || req.Cols != 120 || req.Rows != 40 {
			http.Error(w, "bad resize", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	if err := client.ResizeSession(context.Background(), "s1", 120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if err := client.ResizeSession(context.Background(), "s1", 0, 40); KindOf(err) != KindInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
