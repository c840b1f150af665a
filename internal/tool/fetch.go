package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xhtml "golang.org/x/net/html"
)

const (
	defaultFetchMaxBytes = 1 << 20
	defaultFetchTimeout  = 30 * time.Second
	fetchUserAgent       = "chibi-fetch/1.0"
	maxFetchRedirects    = 10
)

// RedirectCheck vets a redirect target before it is followed. A non-nil
// error stops the fetch.
type RedirectCheck func(ctx context.Context, url string) error

// FetchURL performs an HTTP GET. HTML bodies are reduced to their visible
// text. Gating on the requested URL happens before Execute is reached;
// every redirect target goes through CheckRedirect.
type FetchURL struct {
	Client        *http.Client
	CheckRedirect RedirectCheck
}

func (t *FetchURL) Name() string { return FetchURLName }

func (t *FetchURL) Description() string {
	return "Fetch content from a URL via HTTP GET and return the response body. Follows redirects. Use for retrieving web pages, API responses, or raw file content."
}

func (t *FetchURL) Schema() map[string]any {
	return Object(map[string]any{
		"url":          Prop("string", "URL to fetch (must start with http:// or https://)"),
		"max_bytes":    withDefault(Prop("integer", "Maximum response body size in bytes (default: 1048576 = 1MB)"), defaultFetchMaxBytes),
		"timeout_secs": withDefault(Prop("integer", "Request timeout in seconds (default: 30)"), 30),
	}, "url")
}

func (t *FetchURL) Execute(ctx context.Context, _ Env, raw json.RawMessage) (string, error) {
	a := ParseArgs(raw)
	url, err := a.RequireString("url")
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("URL must start with http:// or https://, got: %s", url)
	}
	maxBytes := int64(defaultFetchMaxBytes)
	if n := a.Int("max_bytes", 0); n > 0 {
		maxBytes = int64(n)
	}
	timeout := defaultFetchTimeout
	if secs := a.Int("timeout_secs", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("Request failed: %v", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if resp.ContentLength > maxBytes {
		return "", fmt.Errorf("Response too large: Content-Length %d exceeds limit of %d bytes", resp.ContentLength, maxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("Failed to read response: %v", err)
	}
	truncated := int64(len(body)) > maxBytes
	if truncated {
		body = body[:maxBytes]
	}

	text := string(body)
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html") {
		text = HTMLToText(text)
	}
	if truncated {
		text += fmt.Sprintf("\n\n[Truncated: response exceeded limit of %d bytes]", maxBytes)
	}
	return text, nil
}

// client copies the configured client so redirects can be vetted without
// touching a shared one.
func (t *FetchURL) client() *http.Client {
	base := t.Client
	if base == nil {
		base = http.DefaultClient
	}
	c := *base
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxFetchRedirects {
			return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
		}
		if t.CheckRedirect != nil {
			if err := t.CheckRedirect(req.Context(), req.URL.String()); err != nil {
				return fmt.Errorf("redirect to %s refused: %w", req.URL, err)
			}
		}
		if base.CheckRedirect != nil {
			return base.CheckRedirect(req, via)
		}
		return nil
	}
	return &c
}

// HTMLToText extracts the visible text of an HTML document, one block
// element per line. Script, style and similar elements are dropped.
func HTMLToText(input string) string {
	node, err := xhtml.Parse(strings.NewReader(input))
	if err != nil {
		return input
	}
	var b strings.Builder
	var walk func(n *xhtml.Node)
	walk = func(n *xhtml.Node) {
		switch n.Type {
		case xhtml.TextNode:
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(s)
			}
			return
		case xhtml.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template", "head", "svg":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == xhtml.ElementNode && isBlock(n.Data) && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	walk(node)
	return strings.TrimSpace(b.String())
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "br", "li", "ul", "ol", "tr", "table", "section", "article",
		"header", "footer", "nav", "pre", "blockquote", "title",
		"h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}
