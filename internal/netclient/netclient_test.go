package netclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/treeline/internal/errors"
)

func TestSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	c := New(nil)
	resp, err := c.Send(context.Background(), srv.URL, Options{
		Method: http.MethodPost,
		Header: http.Header{"Authorization": {"Bearer s3cret"}},
		Body:   []byte("hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.True(t, resp.OK())
	assert.Equal(t, "POST", resp.Header.Get("X-Method"))
	assert.Equal(t, "Bearer s3cret", resp.Header.Get("X-Token"))
	assert.Equal(t, "echo:hi", string(resp.Body))
}

func TestSendDefaultsToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Method)
	}))
	defer srv.Close()

	resp, err := New(nil).Send(context.Background(), srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, "GET", string(resp.Body))
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(nil).Send(context.Background(), srv.URL, Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNetwork))
}

func TestSendInvalidURL(t *testing.T) {
	_, err := New(nil).Send(context.Background(), "://nope", Options{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSendAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	got := make(chan *Response, 1)
	New(nil).SendAsync(context.Background(), srv.URL, Options{}, func(resp *Response, err error) {
		assert.NoError(t, err)
		got <- resp
	})

	select {
	case resp := <-got:
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusTeapot, resp.Status)
		assert.False(t, resp.OK())
	case <-time.After(5 * time.Second):
		t.Fatal("SendAsync never completed")
	}
}
