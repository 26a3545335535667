package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler(t *testing.T) {
	c, err := newScheduler("*/15 * * * *", time.UTC, func() {})
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)

	from := time.Date(2023, 1, 10, 12, 1, 0, 0, time.UTC)
	next := c.Entries()[0].Schedule.Next(from)
	assert.Equal(t, time.Date(2023, 1, 10, 12, 15, 0, 0, time.UTC), next)

	_, err = newScheduler("every quarter hour", time.UTC, func() {})
	assert.Error(t, err)

	_, err = newScheduler("0 0 * * * *", time.UTC, func() {})
	assert.Error(t, err, "six-field specs are rejected")
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte("OK"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	listen := strings.TrimPrefix(srv.URL, "http://")
	assert.True(t, healthy(context.Background(), listen))
	assert.False(t, healthy(context.Background(), "not-an-address"))
}
