package tests

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/denim/core/broadcast"
)

// readFrame reads lines up to the blank line ending an SSE frame.
func readFrame(t *testing.T, rdr *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := rdr.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			return lines
		}
		lines = append(lines, line[:len(line)-1])
	}
}

func Test_sseFeed(t *testing.T) {
	app := setup(t)
	srv := httptest.NewServer(app)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the feed is public
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse_feed", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", res.Header.Get("Cache-Control"))

	require.Eventually(t, func() bool { return app.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	evID := uuid.New()
	app.hub.Publish(broadcast.EventsChanged())
	app.hub.Publish(broadcast.SignUpChanged(evID))
	app.hub.Publish(broadcast.PeopleChanged())

	rdr := bufio.NewReader(res.Body)
	assert.Equal(t, []string{"event: crud_event", "data: "}, readFrame(t, rdr))
	assert.Equal(t, []string{"event: change_sign_up_" + evID.String(), "data: "}, readFrame(t, rdr))
	assert.Equal(t, []string{"event: crud_person", "data: "}, readFrame(t, rdr))

	// disconnecting unsubscribes
	cancel()
	require.Eventually(t, func() bool { return app.hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func Test_sseFeed_hubClosed(t *testing.T) {
	app := setup(t)
	srv := httptest.NewServer(app)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/sse_feed")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Eventually(t, func() bool { return app.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	app.hub.Close()
	_, err = bufio.NewReader(res.Body).ReadString('\n')
	assert.Error(t, err) // EOF: the stream ended
}
