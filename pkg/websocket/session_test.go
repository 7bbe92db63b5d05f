package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chat-system/internal/model"
	"chat-system/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	err      error
	appended []string
	marked   [][]uint
	nextID   uint
}

func (f *fakeStore) AppendMessage(_ context.Context, conv *model.Conversation, senderID uint, body string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	f.appended = append(f.appended, body)
	return &model.GroupMessage{
		ID:             f.nextID,
		ConversationID: conv.ID,
		SenderID:       senderID,
		Text:           body,
		CreatedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

func (f *fakeStore) MarkRead(_ context.Context, _ *model.Conversation, _ uint, ids []uint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.marked = append(f.marked, ids)
	return int64(len(ids)), nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (d *recordingDispatcher) Publish(_ context.Context, _ uint, payload []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	d.mu.Lock()
	d.events = append(d.events, m)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) Evict(context.Context, uint, uint) error { return nil }

func newJoinedSession(t *testing.T, store MessageStore, d Dispatcher) (*Session, *Client) {
	t.Helper()
	user := &model.User{ID: 1, Username: "alice", Nickname: "Alice"}
	conv := &model.Conversation{ID: 7, Type: model.ConversationGroup}
	client := NewClient(user.ID, user.DisplayName(), 8)
	s := NewSession(client, store, d, nil)
	require.True(t, s.Authorize(user))
	require.True(t, s.Join(conv))
	require.Equal(t, StateJoined, s.State())
	return s, client
}

func readReply(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case raw := <-c.Send:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	default:
		t.Fatal("expected a reply frame")
		return nil
	}
}

func TestSession_StateTransitions(t *testing.T) {
	s := NewSession(NewClient(1, "a", 1), &fakeStore{}, &recordingDispatcher{}, nil)
	assert.Equal(t, StateConnecting, s.State())
	assert.False(t, s.Join(&model.Conversation{ID: 1}), "cannot join before authorization")

	assert.True(t, s.Authorize(&model.User{ID: 1}))
	assert.False(t, s.Authorize(&model.User{ID: 1}))
	assert.True(t, s.Join(&model.Conversation{ID: 1}))

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, "closed", s.State().String())
}

func TestSession_NewMessage(t *testing.T) {
	store := &fakeStore{}
	d := &recordingDispatcher{}
	s, client := newJoinedSession(t, store, d)

	s.HandleFrame(context.Background(), []byte(`{"type":"new_message","message":"  hi  "}`))

	require.Len(t, d.events, 1)
	ev := d.events[0]
	assert.Equal(t, "new_message", ev["type"])
	assert.Equal(t, "hi", ev["message"])
	assert.EqualValues(t, 1, ev["id"])
	assert.EqualValues(t, 1, ev["sender_id"])
	assert.Equal(t, "Alice", ev["sender_name"])
	assert.EqualValues(t, 7, ev["conversation_id"])
	assert.Equal(t, "2024-01-02T03:04:05Z", ev["timestamp"])
	assert.Len(t, client.Send, 0)
}

func TestSession_IgnoredFrames(t *testing.T) {
	store := &fakeStore{}
	d := &recordingDispatcher{}
	s, client := newJoinedSession(t, store, d)

	for _, raw := range []string{
		`{"type":"new_message","message":"   "}`,
		`{"type":"new_message"}`,
		`{"type":"mark_read","message_ids":[]}`,
		`{"type":"mark_read"}`,
		`{"type":"dance"}`,
		`{}`,
	} {
		s.HandleFrame(context.Background(), []byte(raw))
	}

	assert.Empty(t, d.events)
	assert.Empty(t, store.appended)
	assert.Empty(t, store.marked)
	assert.Len(t, client.Send, 0)
}

func TestSession_MalformedFrame(t *testing.T) {
	d := &recordingDispatcher{}
	s, client := newJoinedSession(t, &fakeStore{}, d)

	for _, raw := range []string{`not json`, `{"type":"mark_read","message_ids":["a"]}`, `[1,2]`} {
		s.HandleFrame(context.Background(), []byte(raw))
		reply := readReply(t, client)
		assert.Equal(t, "error", reply["type"])
		assert.Equal(t, ErrCodeMalformedFrame, reply["code"])
	}
	assert.Empty(t, d.events, "malformed frames are never broadcast")
	assert.Equal(t, StateJoined, s.State())
}

func TestSession_StoreUnavailable(t *testing.T) {
	store := &fakeStore{err: errors.Join(repository.ErrStoreUnavailable, errors.New("db down"))}
	d := &recordingDispatcher{}
	s, client := newJoinedSession(t, store, d)

	s.HandleFrame(context.Background(), []byte(`{"type":"new_message","message":"hi"}`))
	reply := readReply(t, client)
	assert.Equal(t, ErrCodeStoreUnavailable, reply["code"])

	s.HandleFrame(context.Background(), []byte(`{"type":"mark_read","message_ids":[1]}`))
	reply = readReply(t, client)
	assert.Equal(t, ErrCodeStoreUnavailable, reply["code"])

	assert.Empty(t, d.events)
	assert.Equal(t, StateJoined, s.State())
}

func TestSession_RemovedParticipant(t *testing.T) {
	store := &fakeStore{err: repository.ErrNotParticipant}
	s, client := newJoinedSession(t, store, &recordingDispatcher{})

	s.HandleFrame(context.Background(), []byte(`{"type":"new_message","message":"hi"}`))
	reply := readReply(t, client)
	assert.Equal(t, ErrCodeMembershipDenied, reply["code"])
}

func TestSession_TypingAndMarkRead(t *testing.T) {
	store := &fakeStore{}
	d := &recordingDispatcher{}
	s, _ := newJoinedSession(t, store, d)

	s.HandleFrame(context.Background(), []byte(`{"type":"typing_start"}`))
	s.HandleFrame(context.Background(), []byte(`{"type":"typing_stop"}`))
	s.HandleFrame(context.Background(), []byte(`{"type":"mark_read","message_ids":[3,4]}`))

	require.Len(t, d.events, 3)
	assert.Equal(t, "typing", d.events[0]["type"])
	assert.Equal(t, "start", d.events[0]["status"])
	assert.EqualValues(t, 1, d.events[0]["user_id"])
	assert.Equal(t, "Alice", d.events[0]["user_name"])
	assert.Equal(t, "stop", d.events[1]["status"])

	assert.Equal(t, "messages_read", d.events[2]["type"])
	assert.Equal(t, []interface{}{float64(3), float64(4)}, d.events[2]["message_ids"])
	assert.EqualValues(t, 1, d.events[2]["reader_id"])
	assert.Equal(t, [][]uint{{3, 4}}, store.marked)
}

func TestSession_IgnoresFramesWhenNotJoined(t *testing.T) {
	store := &fakeStore{}
	d := &recordingDispatcher{}
	s, _ := newJoinedSession(t, store, d)
	s.Close()

	s.HandleFrame(context.Background(), []byte(`{"type":"new_message","message":"late"}`))
	assert.Empty(t, store.appended)
	assert.Empty(t, d.events)
}
