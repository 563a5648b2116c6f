package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	manta "github.com/rheza/manta"
)

func withBraveServer(t *testing.T, handler http.HandlerFunc) *Tool {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	saved := searchEndpoint
	searchEndpoint = srv.URL
	t.Cleanup(func() { searchEndpoint = saved })
	return New("test-token")
}

func TestHandle(t *testing.T) {
	tool := withBraveServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "test-token" {
			t.Errorf("token = %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "go generics" {
			t.Errorf("q = %q", got)
		}
		w.Write([]byte(`{"web":{"results":[
			{"title":"Go Blog","url":"https://go.dev/blog","description":"Generics in Go 1.18"},
			{"title":"Spec","url":"https://go.dev/ref/spec","description":"Type parameters"}
		]}}`))
	})

	res, err := tool.Handle(context.Background(), map[string]any{"query": "go generics"}, manta.Invocation{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Content, "[1] Go Blog") {
		t.Errorf("content = %q", res.Content)
	}
	if !strings.Contains(res.Content, "[2] Spec") || !strings.Contains(res.Content, "https://go.dev/ref/spec") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestHandleNoResults(t *testing.T) {
	tool := withBraveServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web":{"results":[]}}`))
	})
	res, err := tool.Handle(context.Background(), map[string]any{"query": "zxqv"}, manta.Invocation{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "No results") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestHandleAPIError(t *testing.T) {
	tool := withBraveServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid token"}`))
	})
	_, err := tool.Handle(context.Background(), map[string]any{"query": "x"}, manta.Invocation{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v", err)
	}
}

func TestHandleEmptyQuery(t *testing.T) {
	tool := New("k")
	if _, err := tool.Handle(context.Background(), map[string]any{"query": "  "}, manta.Invocation{}); err == nil {
		t.Fatal("blank query accepted")
	}
}

func TestDescriptor(t *testing.T) {
	d := New("k").Descriptor()
	if d.Name != "web_search" || !d.Pure || !d.RetryOnTimeout {
		t.Errorf("descriptor = %+v", d)
	}
}
