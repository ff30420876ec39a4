package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ProfileHeader carries the profile name on proxied requests. The proxy
// resolves it to credentials and strips it before forwarding.
const ProfileHeader = "X-Amelia-Profile"

// ProviderCreds is what the proxy needs to forward a request upstream.
type ProviderCreds struct {
	BaseURL     string
	APIKey      string
	GitUsername string
	GitPassword string
}

// ResolveProvider maps a profile name to provider credentials. Credentials
// stay on the host; the container only ever sees the proxy.
type ResolveProvider func(profile string) (ProviderCreds, error)

// Proxy is the host-side reverse proxy mounted at /proxy/v1. It exposes
// chat/completions, embeddings, and git/credentials to the sandbox.
type Proxy struct {
	resolve ResolveProvider
	client  *http.Client
}

// NewProxy builds a proxy over a credential resolver.
func NewProxy(resolve ResolveProvider) *Proxy {
	return &Proxy{
		resolve: resolve,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// ServeHTTP expects to be mounted so the request path starts with /proxy/v1/.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	suffix, ok := strings.CutPrefix(r.URL.Path, "/proxy/v1/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	profile := r.Header.Get(ProfileHeader)
	if profile == "" {
		http.Error(w, "missing "+ProfileHeader+" header", http.StatusBadRequest)
		return
	}
	creds, err := p.resolve(profile)
	if err != nil {
		slog.Warn("Proxy could not resolve profile", "profile", profile, "error", err)
		http.Error(w, "unknown profile", http.StatusForbidden)
		return
	}

	switch suffix {
	case "chat/completions", "embeddings":
		p.forward(w, r, creds, "/"+suffix)
	case "git/credentials":
		p.gitCredentials(w, creds)
	default:
		http.NotFound(w, r)
	}
}

// forward relays the request upstream with the real Authorization header,
// streaming the response body back so SSE token streams pass through.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, creds ProviderCreds, path string) {
	url := strings.TrimRight(creds.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusBadGateway)
		return
	}

	for name, values := range r.Header {
		if isInternalHeader(name) {
			continue
		}
		req.Header[name] = values
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Warn("Proxy upstream request failed", "url", url, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(newFlushWriter(w), resp.Body); err != nil {
		slog.Debug("Proxy response stream interrupted", "url", url, "error", err)
	}
}

// gitCredentials answers in git credential-helper format.
func (p *Proxy) gitCredentials(w http.ResponseWriter, creds ProviderCreds) {
	if creds.GitUsername == "" && creds.GitPassword == "" {
		http.Error(w, "no git credentials configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "username=%s\npassword=%s\n", creds.GitUsername, creds.GitPassword)
}

func isInternalHeader(name string) bool {
	return strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Amelia-") ||
		http.CanonicalHeaderKey(name) == "Authorization"
}

// flushWriter flushes after every write so streamed responses reach the
// container without buffering.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) io.Writer {
	f, _ := w.(http.Flusher)
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
