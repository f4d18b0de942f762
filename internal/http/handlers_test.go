package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/chat-gateway/internal/core"
	database "github.com/Cypherspark/chat-gateway/internal/db"
	"github.com/Cypherspark/chat-gateway/internal/dispatch"
	httpapi "github.com/Cypherspark/chat-gateway/internal/http"
	"github.com/Cypherspark/chat-gateway/internal/presence"
	"github.com/Cypherspark/chat-gateway/internal/scheduler"
)

type env struct {
	store    *core.Store
	registry *presence.Registry
	disp     *dispatch.Dispatcher
	sweeper  *scheduler.Sweeper
	router   http.Handler
}

// warp moves the whole core (store reads, dispatcher dueness, sweep scans)
// to a clock offset by d.
func (e *env) warp(d time.Duration) {
	now := func() time.Time { return time.Now().Add(d) }
	e.store.Now = now
	e.disp.Now = now
	e.sweeper.Now = now
}

func startAPI(t *testing.T) *env {
	t.Helper()
	pg := database.StartTestPostgres(t)
	store := &core.Store{DB: pg}
	registry := presence.NewRegistry()
	disp := &dispatch.Dispatcher{Store: store, Presence: registry, PushTimeout: time.Second}
	sweeper := &scheduler.Sweeper{Store: store, Deliverer: disp, Opt: scheduler.Options{BatchSize: 100}}
	srv := httpapi.NewServer(store, disp, registry)
	return &env{store: store, registry: registry, disp: disp, sweeper: sweeper, router: srv.Router()}
}

// memChannel stands in for a connected device.
type memChannel struct {
	id   string
	dead bool

	mu  sync.Mutex
	got []core.Event
}

func (c *memChannel) ID() string { return c.id }

func (c *memChannel) Push(_ context.Context, ev core.Event) error {
	if c.dead {
		return fmt.Errorf("connection reset")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
	return nil
}

func (c *memChannel) events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Event(nil), c.got...)
}

func (e *env) do(t *testing.T, method, path, userID string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Buffer
	if body != "" {
		rd = bytes.NewBufferString(body)
	} else {
		rd = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeMsg(t *testing.T, w *httptest.ResponseRecorder) core.Message {
	t.Helper()
	var m core.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func decodeItems(t *testing.T, w *httptest.ResponseRecorder) []core.Message {
	t.Helper()
	var out struct {
		Items []core.Message `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.Items
}

func TestSend_ReceiverOnline_DeliveredWithPush(t *testing.T) {
	e := startAPI(t)
	ch := &memChannel{id: "b-phone"}
	e.registry.Register("b", ch)

	w := e.do(t, "POST", "/messages/send/b", "a", `{"text":"hi"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decodeMsg(t, w)
	require.Equal(t, core.StateDelivered, msg.DeliveryState)
	require.NotNil(t, msg.DeliveredAt)

	evs := ch.events()
	require.Len(t, evs, 1)
	require.Equal(t, core.EventNewMessage, evs[0].Type)
	require.Equal(t, msg.ID, evs[0].Message.ID)
}

func TestSend_ReceiverOffline_PendingAndFetchable(t *testing.T) {
	e := startAPI(t)

	w := e.do(t, "POST", "/messages/send/b", "a", `{"text":"hi"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decodeMsg(t, w)
	require.Equal(t, core.StatePending, msg.DeliveryState)

	// B's next conversation read returns it; reads never flip delivery state.
	w = e.do(t, "GET", "/messages/a", "b", "")
	require.Equal(t, http.StatusOK, w.Code)
	items := decodeItems(t, w)
	require.Len(t, items, 1)
	require.Equal(t, msg.ID, items[0].ID)
	require.Equal(t, core.StatePending, items[0].DeliveryState)
}

func TestSend_DeadChannelNeverFailsTheRequest(t *testing.T) {
	e := startAPI(t)
	e.registry.Register("b", &memChannel{id: "stale", dead: true})

	w := e.do(t, "POST", "/messages/send/b", "a", `{"text":"hi"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decodeMsg(t, w)
	require.Equal(t, core.StatePending, msg.DeliveryState, "failed push degrades to pending, not to an error")
}

func TestSend_Validation(t *testing.T) {
	e := startAPI(t)

	w := e.do(t, "POST", "/messages/send/b", "a", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/messages/send/b", "a", `{"text":"x","due_at":"2020-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/messages/send/b", "a", `{"attachment":{"url":"https://files.local/a.png","kind":"gif"}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/messages/send/b", "", `{"text":"x"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSend_DuenessJudgedOnStoreClock(t *testing.T) {
	e := startAPI(t)
	ch := &memChannel{id: "b-phone"}
	e.registry.Register("b", ch)

	// Store clock runs an hour behind the wall clock. A due_at the wall
	// clock already passed is still half an hour out by the store's
	// reckoning, so the send must schedule, not push.
	e.store.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	due := time.Now().Add(-30 * time.Minute).UTC()

	body := fmt.Sprintf(`{"text":"early","due_at":%q}`, due.Format(time.RFC3339))
	w := e.do(t, "POST", "/messages/send/b", "a", body)
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decodeMsg(t, w)
	require.Equal(t, core.StatePending, msg.DeliveryState)
	require.Empty(t, ch.events(), "not due on the store clock yet; nothing may be pushed")
}

func TestScheduled_InvisibleUntilDue_ThenSweepDelivers(t *testing.T) {
	e := startAPI(t)
	due := time.Now().Add(30 * time.Minute).UTC()

	body := fmt.Sprintf(`{"text":"surprise","due_at":%q}`, due.Format(time.RFC3339))
	w := e.do(t, "POST", "/messages/send/b", "a", body)
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decodeMsg(t, w)
	require.Equal(t, core.StatePending, msg.DeliveryState)

	// Invisible to both parties while scheduled, sender included.
	for _, view := range [][2]string{{"a", "/messages/b"}, {"b", "/messages/a"}} {
		w = e.do(t, "GET", view[1], view[0], "")
		require.Equal(t, http.StatusOK, w.Code)
		require.Empty(t, decodeItems(t, w))
	}

	// A sweep before due time must not touch it either.
	n, err := e.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	// B connects; the clock passes due; the next sweep pushes it.
	ch := &memChannel{id: "b-phone"}
	e.registry.Register("b", ch)
	e.warp(time.Hour)

	n, err = e.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	evs := ch.events()
	require.Len(t, evs, 1)
	require.Equal(t, msg.ID, evs[0].Message.ID)

	w = e.do(t, "GET", "/messages/a", "b", "")
	items := decodeItems(t, w)
	require.Len(t, items, 1)
	require.Equal(t, core.StateDelivered, items[0].DeliveryState)

	// Sweep again: no duplicate record, nothing left to deliver.
	n, err = e.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, decodeItems(t, e.do(t, "GET", "/messages/b", "a", "")), 1)
}

func TestEdit_ReflectedInConversationAndPushed(t *testing.T) {
	e := startAPI(t)
	msg := decodeMsg(t, e.do(t, "POST", "/messages/send/b", "a", `{"text":"helo"}`))

	ch := &memChannel{id: "b-phone"}
	e.registry.Register("b", ch)

	w := e.do(t, "PUT", fmt.Sprintf("/messages/edit/%d", msg.ID), "a", `{"new_text":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	edited := decodeMsg(t, w)
	require.True(t, edited.Edited)
	require.Equal(t, "hello", edited.Body)

	items := decodeItems(t, e.do(t, "GET", "/messages/a", "b", ""))
	require.Len(t, items, 1)
	require.Equal(t, "hello", items[0].Body)
	require.True(t, items[0].Edited)

	evs := ch.events()
	require.Len(t, evs, 1)
	require.Equal(t, core.EventMessageEdited, evs[0].Type)
}

func TestDelete_GoneFromConversationAndPushed(t *testing.T) {
	e := startAPI(t)
	msg := decodeMsg(t, e.do(t, "POST", "/messages/send/b", "a", `{"text":"oops"}`))

	ch := &memChannel{id: "b-phone"}
	e.registry.Register("b", ch)

	w := e.do(t, "DELETE", fmt.Sprintf("/messages/delete/%d", msg.ID), "a", "")
	require.Equal(t, http.StatusOK, w.Code)

	require.Empty(t, decodeItems(t, e.do(t, "GET", "/messages/a", "b", "")))

	evs := ch.events()
	require.Len(t, evs, 1)
	require.Equal(t, core.EventMessageDeleted, evs[0].Type)
	require.Equal(t, msg.ID, evs[0].MessageID)
}

func TestDeleteBeforeDue_SuppressesDelivery(t *testing.T) {
	e := startAPI(t)
	due := time.Now().Add(30 * time.Minute).UTC()
	body := fmt.Sprintf(`{"text":"never mind","due_at":%q}`, due.Format(time.RFC3339))
	msg := decodeMsg(t, e.do(t, "POST", "/messages/send/b", "a", body))

	w := e.do(t, "DELETE", fmt.Sprintf("/messages/delete/%d", msg.ID), "a", "")
	require.Equal(t, http.StatusOK, w.Code)

	ch := &memChannel{id: "b-phone"}
	e.registry.Register("b", ch)
	e.warp(time.Hour)

	n, err := e.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	// Delete event from the delete call is fine; the deleted content is not.
	for _, ev := range ch.events() {
		require.NotEqual(t, core.EventNewMessage, ev.Type)
	}
}

func TestEditDelete_UnknownID(t *testing.T) {
	e := startAPI(t)

	w := e.do(t, "PUT", "/messages/edit/424242", "a", `{"new_text":"x"}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "DELETE", "/messages/delete/424242", "a", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestOnlineUsers(t *testing.T) {
	e := startAPI(t)
	e.registry.Register("a", &memChannel{id: "a-1"})

	w := e.do(t, "GET", "/users/online", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		UserIDs []string `json:"user_ids"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, []string{"a"}, out.UserIDs)
}
