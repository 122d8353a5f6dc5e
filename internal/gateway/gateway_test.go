package gateway

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/storage"
	"github.com/mattjoyce/migration-factory/internal/store"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func TestGatewayRegistersAndPushes(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	defer db.Close()
	conns := store.NewConnections(db)

	gw := New(conns, nil, nil)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?identity=ops"
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, wsURL, nil)
	require.NoError(t, err)

	var hello Hello
	require.NoError(t, wsjson.Read(dialCtx, ws, &hello))
	assert.Equal(t, "connected", hello.Type)
	require.NotEmpty(t, hello.ConnectionID)

	page, _, err := conns.Scan(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, hello.ConnectionID, page[0].ConnectionID)
	assert.Equal(t, "ops", page[0].SubscriberIdentity)

	require.NoError(t, gw.PostToConnection(ctx, hello.ConnectionID, []byte(`{"header":"x"}`)))
	_, msg, err := ws.Read(dialCtx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"header":"x"}`, string(msg))

	_ = ws.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		page, _, err := conns.Scan(ctx, "", 10)
		return err == nil && len(page) == 0 && gw.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	err = gw.PostToConnection(ctx, hello.ConnectionID, []byte(`{}`))
	assert.ErrorIs(t, err, notify.ErrGone)
}
