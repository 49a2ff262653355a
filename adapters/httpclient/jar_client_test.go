package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/layer-3/walletauth/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJarClient_CookiePersistsAcrossCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{Name: "csrf", Value: "abc", Path: "/"})
			w.WriteHeader(http.StatusOK)
		case "/check":
			c, err := r.Cookie("csrf")
			if err != nil || c.Value != "abc" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	c, err := New(Options{Timeout: time.Second})
	require.NoError(t, err)

	for _, path := range []string{"/set", "/check"} {
		req, err := http.NewRequest(http.MethodGet, server.URL+path, nil)
		require.NoError(t, err)
		resp, err := c.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	u, _ := url.Parse(server.URL)
	cookies := c.Jar().Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, "abc", cookies[0].Value)
}

func TestJarClient_SeparateJars(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "csrf", Value: "abc", Path: "/"})
	}))
	defer server.Close()

	factory := Factory(Options{Timeout: time.Second})
	first, err := factory()
	require.NoError(t, err)
	second, err := factory()
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := first.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	u, _ := url.Parse(server.URL)
	assert.Len(t, first.Jar().Cookies(u), 1)
	assert.Empty(t, second.Jar().Cookies(u))
}

func TestJarClient_DefaultHeaders(t *testing.T) {
	var gotUA, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
	}))
	defer server.Close()

	c, err := New(Options{})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	req.Header.Set("Accept", "text/html")
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, DefaultHeaders["User-Agent"], gotUA)
	assert.Equal(t, "text/html", gotAccept)
}

func TestJarClient_DoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
			http.Redirect(w, r, "/home", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	c, err := New(Options{})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/login", nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	require.Len(t, resp.Cookies(), 1)
	assert.Equal(t, "s1", resp.Cookies()[0].Value)
}

func TestJarClient_TimeoutIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c, err := New(Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err = c.Do(req)
	require.Error(t, err)

	var netErr *core.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout)
	assert.True(t, core.IsTransient(err))
	assert.True(t, core.IsTimeout(err))
}

func TestJarClient_ConnectionRefused(t *testing.T) {
	c, err := New(Options{Timeout: time.Second})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	_, err = c.Do(req)
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
	assert.False(t, core.IsTimeout(err))
}
