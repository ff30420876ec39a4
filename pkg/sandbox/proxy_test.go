package sandbox

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver(upstream string) ResolveProvider {
	return func(profile string) (ProviderCreds, error) {
		if profile != "default" {
			return ProviderCreds{}, fmt.Errorf("unknown profile %q", profile)
		}
		return ProviderCreds{
			BaseURL:     upstream,
			APIKey:      "sk-real",
			GitUsername: "amelia-bot",
			GitPassword: "ghp-token",
		}, nil
	}
}

func TestProxyForwardsChatCompletions(t *testing.T) {
	var gotAuth, gotProfile, gotCustom string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotProfile = r.Header.Get(ProfileHeader)
		gotCustom = r.Header.Get("X-Custom")
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	proxy := httptest.NewServer(NewProxy(testResolver(upstream.URL)))
	defer proxy.Close()

	req, _ := http.NewRequest(http.MethodPost, proxy.URL+"/proxy/v1/chat/completions", strings.NewReader(`{"model":"m"}`))
	req.Header.Set(ProfileHeader, "default")
	req.Header.Set("Authorization", "Bearer sandbox-placeholder")
	req.Header.Set("X-Amelia-Internal", "secret")
	req.Header.Set("X-Custom", "kept")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	// The real key replaced the placeholder; internal headers stripped;
	// unrelated headers pass through.
	assert.Equal(t, "Bearer sk-real", gotAuth)
	assert.Empty(t, gotProfile)
	assert.Equal(t, "kept", gotCustom)
	assert.JSONEq(t, `{"model":"m"}`, string(gotBody))
}

func TestProxyRejectsMissingProfileHeader(t *testing.T) {
	proxy := httptest.NewServer(NewProxy(testResolver("http://unused")))
	defer proxy.Close()

	resp, err := http.Post(proxy.URL+"/proxy/v1/chat/completions", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProxyRejectsUnknownProfile(t *testing.T) {
	proxy := httptest.NewServer(NewProxy(testResolver("http://unused")))
	defer proxy.Close()

	req, _ := http.NewRequest(http.MethodPost, proxy.URL+"/proxy/v1/embeddings", strings.NewReader("{}"))
	req.Header.Set(ProfileHeader, "ghost")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProxyGitCredentials(t *testing.T) {
	proxy := httptest.NewServer(NewProxy(testResolver("http://unused")))
	defer proxy.Close()

	req, _ := http.NewRequest(http.MethodGet, proxy.URL+"/proxy/v1/git/credentials", nil)
	req.Header.Set(ProfileHeader, "default")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "username=amelia-bot\npassword=ghp-token\n", string(body))
}

func TestProxyUnknownEndpoint(t *testing.T) {
	proxy := httptest.NewServer(NewProxy(testResolver("http://unused")))
	defer proxy.Close()

	req, _ := http.NewRequest(http.MethodPost, proxy.URL+"/proxy/v1/admin/shutdown", nil)
	req.Header.Set(ProfileHeader, "default")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
