package echoapi

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/denim/core/broadcast"
)

func TestSSEFeed_keepAlive(t *testing.T) {
	defer func(d time.Duration) { sseKeepAlive = d }(sseKeepAlive)
	sseKeepAlive = 20 * time.Millisecond

	hub := broadcast.NewHub(broadcast.DefaultBuffer)
	app := echo.New()
	app.GET("/sse_feed", sseFeed(hub))
	srv := httptest.NewServer(app)
	defer srv.Close()
	defer hub.Close()

	res, err := http.Get(srv.URL + "/sse_feed")
	require.NoError(t, err)
	defer res.Body.Close()

	rdr := bufio.NewReader(res.Body)
	line, err := rdr.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": keep-alive\n", line)
	line, err = rdr.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\n", line)
}
