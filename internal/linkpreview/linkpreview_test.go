package linkpreview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFirstURLFindsURLInText(t *testing.T) {
	text := "check this out https://example.com/page cool right?"
	if got := FirstURL(text); got != "https://example.com/page" {
		t.Fatalf("got %q", got)
	}
}

func TestFirstURLNoneFound(t *testing.T) {
	if got := FirstURL("no links here"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestFetchExtractsTitleAndDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Example Page</title>
<meta name="description" content="a test page"></head><body></body></html>`))
	}))
	defer srv.Close()

	preview, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if preview.Title != "Example Page" {
		t.Fatalf("got title %q", preview.Title)
	}
	if preview.Description != "a test page" {
		t.Fatalf("got description %q", preview.Description)
	}
}

func TestFetchPrefersOpenGraphDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>T</title>
<meta property="og:description" content="og desc">
<meta name="description" content="plain desc"></head></html>`))
	}))
	defer srv.Close()

	preview, err := Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if preview.Description != "og desc" {
		t.Fatalf("got description %q", preview.Description)
	}
}

func TestFetchNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}
