package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/gochat-rooms/internal/config"
	"github.com/npezzotti/gochat-rooms/internal/database"
	"github.com/npezzotti/gochat-rooms/internal/rooms"
	"github.com/npezzotti/gochat-rooms/internal/server"
	"github.com/npezzotti/gochat-rooms/internal/stats"
	"github.com/npezzotti/gochat-rooms/internal/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type testApp struct {
	*GoChatApp
	store *database.Store
}

// newTestApp wires the full stack on an in-memory store. Rooms default to
// a capacity of three.
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	store := testutil.NewStore(t)
	logger := testutil.TestLogger(t)
	manager := rooms.NewManager(store, logger, rooms.Options{MaxMembers: 3})

	su := (&stats.MockStatsUpdater{}).AllowUpdates()
	su.On("RegisterMetric", mock.Anything)

	cs, err := server.NewChatServer(logger, manager, su)
	require.NoError(t, err)
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	cfg := &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	return &testApp{
		GoChatApp: NewGoChatApp(http.NewServeMux(), logger, cs, manager, store, cfg),
		store:     store,
	}
}

func (ta *testApp) cookie(t *testing.T, userId int) *http.Cookie {
	t.Helper()

	token, err := ta.createJwtForSession(userId, time.Hour)
	require.NoError(t, err)
	return createJwtCookie(token, time.Hour)
}

// do serves one request, authenticated as userId when it is positive.
func (ta *testApp) do(t *testing.T, method, path string, body any, userId int) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userId > 0 {
		req.AddCookie(ta.cookie(t, userId))
	}

	rr := httptest.NewRecorder()
	ta.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

func roomPath(roomId int, suffix string) string {
	return fmt.Sprintf("/api/rooms/%d%s", roomId, suffix)
}

func itoa(i int) string {
	return fmt.Sprint(i)
}
