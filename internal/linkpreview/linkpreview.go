// Package linkpreview does a best-effort fetch-and-parse of the first URL
// found in a posted chat message, producing a small preview payload that
// the broker broadcasts asynchronously once ready.
package linkpreview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// Preview is the supplementary event broadcast once a preview is ready.
type Preview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// FirstURL returns the first http(s) URL found in text, or "" if none.
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

var client = &http.Client{Timeout: 5 * time.Second}

// Fetch downloads the page at url and extracts its title and
// Open-Graph/meta description. Any failure (network error, non-2xx status)
// is returned as an error; callers should log and drop it, never fail the
// originating chat message. A body longer than 512 KiB is truncated and
// parsed as far as it goes, not rejected.
func Fetch(ctx context.Context, url string) (Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Preview{}, fmt.Errorf("linkpreview: build request: %w", err)
	}
	req.Header.Set("User-Agent", "hearthcore-link-preview/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return Preview{}, fmt.Errorf("linkpreview: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Preview{}, fmt.Errorf("linkpreview: unexpected status %d", resp.StatusCode)
	}

	const maxBody = 512 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Preview{}, fmt.Errorf("linkpreview: read body: %w", err)
	}

	preview := Preview{URL: url}
	html := string(body)
	preview.Title = extractTagContent(html, "title")
	if desc := extractMetaContent(html, "og:description"); desc != "" {
		preview.Description = desc
	} else {
		preview.Description = extractMetaContent(html, "description")
	}
	return preview, nil
}

var titleTagPattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

func extractTagContent(html, tag string) string {
	if tag != "title" {
		return ""
	}
	m := titleTagPattern.FindStringSubmatch(html)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func extractMetaContent(html, name string) string {
	// Matches <meta ... name|property="name" ... content="...">, attribute
	// order agnostic in either direction.
	patterns := []string{
		`(?is)<meta[^>]*(?:name|property)=["']` + regexp.QuoteMeta(name) + `["'][^>]*content=["']([^"']*)["']`,
		`(?is)<meta[^>]*content=["']([^"']*)["'][^>]*(?:name|property)=["']` + regexp.QuoteMeta(name) + `["']`,
	}
	for _, p := range patterns {
		if m := regexp.MustCompile(p).FindStringSubmatch(html); len(m) >= 2 {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}
