package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boltalka/internal/models"
	"boltalka/internal/transport"
)

type fakeLink struct {
	mu          sync.Mutex
	handler     transport.EventHandler
	statusFn    func(open bool)
	connects    []transport.Params
	disconnects int
	sent        []string
	connectErr  error
}

func (l *fakeLink) Connect(ctx context.Context, p transport.Params) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectErr != nil {
		return l.connectErr
	}
	l.connects = append(l.connects, p)
	return nil
}

func (l *fakeLink) Send(content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, content)
}

func (l *fakeLink) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
}

func (l *fakeLink) AddHandler(fn transport.EventHandler) transport.HandlerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = fn
	return 1
}

func (l *fakeLink) OnStatus(fn func(open bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statusFn = fn
}

func (l *fakeLink) reportStatus(open bool) {
	l.mu.Lock()
	fn := l.statusFn
	l.mu.Unlock()
	fn(open)
}

func (l *fakeLink) emit(ev models.Event) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	h(ev)
}

func (l *fakeLink) connectParams() []transport.Params {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]transport.Params, len(l.connects))
	copy(out, l.connects)
	return out
}

type fakeHistory struct {
	mu      sync.Mutex
	pages   map[string][]models.Message
	errs    map[string]error
	block   map[string]chan struct{}
	started chan string
}

func (h *fakeHistory) RoomMessages(ctx context.Context, roomID string, limit, offset int) ([]models.Message, bool, error) {
	h.mu.Lock()
	blocker := h.block[roomID]
	err := h.errs[roomID]
	page := h.pages[roomID]
	started := h.started
	h.mu.Unlock()

	if started != nil {
		started <- roomID
	}
	if blocker != nil {
		<-blocker
	}
	if err != nil {
		return nil, false, err
	}
	return page, false, nil
}

func histMsg(roomID, sender, content string, at time.Time) models.Message {
	return models.Message{
		ID:                 models.MessageID(content),
		RoomID:             roomID,
		SenderDisplayName:  sender,
		SenderDisplayColor: "#888888",
		Content:            content,
		CreatedAt:          at,
	}
}

func msgEvent(roomID, sender, content string, at time.Time) models.Event {
	return models.Event{
		Type:         models.EventTypeMessage,
		RoomID:       roomID,
		DisplayName:  sender,
		DisplayColor: "#888888",
		Content:      content,
		Timestamp:    at.Format(time.RFC3339),
	}
}

func newController(link *fakeLink, hist *fakeHistory) *Controller {
	return New(Config{
		Link:    link,
		History: hist,
		Profile: models.User{ID: "u1", DisplayName: "Alice", Color: "#ff0000"},
	})
}

func TestSelectRoom_HappyPath(t *testing.T) {
	now := time.Now()
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{
		"global": {
			histMsg("global", "Alice", "one", now.Add(-3*time.Minute)),
			histMsg("global", "Bob", "two", now.Add(-2*time.Minute)),
			histMsg("global", "Alice", "three", now.Add(-time.Minute)),
		},
	}}
	c := newController(link, hist)

	err := c.SelectRoom(context.Background(), models.Room{ID: "global", Name: "Global", Type: models.RoomTypeGlobal})
	if err != nil {
		t.Fatalf("SelectRoom failed: %v", err)
	}

	u2 := "u2"
	link.emit(models.Event{
		Type:   models.EventTypeUserList,
		RoomID: "global",
		Users: []models.EventUser{
			{UserID: &u2, DisplayName: "Bob", DisplayColor: "#00ff00"},
			{UserID: nil, DisplayName: "Ghost", DisplayColor: "#0000ff"},
		},
	})

	st := c.Snapshot()
	if st.Phase != PhaseLive {
		t.Errorf("expected Live, got %s", st.Phase)
	}
	if !st.Connected {
		t.Error("expected connected")
	}
	if len(st.Messages) != 3 {
		t.Errorf("expected 3 messages, got %d", len(st.Messages))
	}
	if len(st.Participants) != 2 {
		t.Errorf("expected 2 participants, got %d", len(st.Participants))
	}

	params := link.connectParams()
	if len(params) != 1 {
		t.Fatalf("expected 1 connect, got %d", len(params))
	}
	if params[0].RoomID != "global" || params[0].DisplayName != "Alice" || params[0].UserID != "u1" {
		t.Errorf("unexpected connect params: %+v", params[0])
	}
}

func TestSelectRoom_Reentrant(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{"global": {}}}
	c := newController(link, hist)

	room := models.Room{ID: "global", Type: models.RoomTypeGlobal}
	if err := c.SelectRoom(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	// Selecting the tracked room again must be a no-op.
	if err := c.SelectRoom(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	if got := len(link.connectParams()); got != 1 {
		t.Errorf("expected 1 connect, got %d", got)
	}
}

func TestSelectRoom_RetriesFailedRoom(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{
		pages: map[string][]models.Message{"global": {}},
		errs:  map[string]error{"global": errors.New("history unavailable")},
	}
	c := newController(link, hist)

	room := models.Room{ID: "global", Type: models.RoomTypeGlobal}
	if err := c.SelectRoom(context.Background(), room); err == nil {
		t.Fatal("expected join failure")
	}
	if st := c.Snapshot(); st.Phase != PhaseFailed {
		t.Fatalf("expected Failed, got %s", st.Phase)
	}

	// The history service recovers; re-selecting the failed room must run a
	// full join, not hit the re-entrancy no-op.
	hist.mu.Lock()
	delete(hist.errs, "global")
	hist.mu.Unlock()

	if err := c.SelectRoom(context.Background(), room); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	st := c.Snapshot()
	if st.Phase != PhaseLive || !st.Connected {
		t.Errorf("expected Live and connected after retry, got %+v", st)
	}
	if got := len(link.connectParams()); got != 1 {
		t.Errorf("expected 1 connect, got %d", got)
	}
}

func TestSelectRoom_RejoinsDeadRoom(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{"global": {}}}
	c := newController(link, hist)

	room := models.Room{ID: "global", Type: models.RoomTypeGlobal}
	if err := c.SelectRoom(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	// The link dies for good; selecting the same room again is the manual
	// recovery path and must dial a fresh connection.
	link.reportStatus(false)
	if err := c.SelectRoom(context.Background(), room); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}

	st := c.Snapshot()
	if st.Phase != PhaseLive || !st.Connected {
		t.Errorf("expected Live and connected after rejoin, got %+v", st)
	}
	if got := len(link.connectParams()); got != 2 {
		t.Errorf("expected 2 connects, got %d", got)
	}
}

func TestIngest_DedupesEcho(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{"global": {}}}
	c := newController(link, hist)
	if err := c.SelectRoom(context.Background(), models.Room{ID: "global"}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	c.SendMessage("hello")
	// The local echo and the server rebroadcast arrive within the window.
	link.emit(msgEvent("global", "Alice", "hello", now))
	link.emit(msgEvent("global", "Alice", "hello", now.Add(500*time.Millisecond)))

	st := c.Snapshot()
	if len(st.Messages) != 1 {
		t.Fatalf("expected exactly 1 message, got %d", len(st.Messages))
	}
	if st.Messages[0].Content != "hello" {
		t.Errorf("unexpected content %q", st.Messages[0].Content)
	}

	// The same text sent again later is a new message.
	link.emit(msgEvent("global", "Alice", "hello", now.Add(5*time.Second)))
	if got := len(c.Snapshot().Messages); got != 2 {
		t.Errorf("expected 2 messages after the window passed, got %d", got)
	}
}

func TestIngest_DropsMalformed(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{"global": {}}}
	c := newController(link, hist)
	if err := c.SelectRoom(context.Background(), models.Room{ID: "global"}); err != nil {
		t.Fatal(err)
	}

	link.emit(models.Event{Type: models.EventTypeMessage, RoomID: "global", Content: "no sender"})
	link.emit(models.Event{Type: models.EventTypeMessage, RoomID: "global", DisplayName: "Alice", DisplayColor: "#fff"})

	if got := len(c.Snapshot().Messages); got != 0 {
		t.Errorf("expected malformed events to be dropped, got %d messages", got)
	}
}

func TestIngest_DefaultsRoomToGlobal(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{"global": {}}}
	c := newController(link, hist)
	if err := c.SelectRoom(context.Background(), models.Room{ID: "global"}); err != nil {
		t.Fatal(err)
	}

	ev := msgEvent("", "Bob", "untagged", time.Now())
	link.emit(ev)

	if got := len(c.Snapshot().Messages); got != 1 {
		t.Errorf("expected untagged event to land in global, got %d messages", got)
	}
}

func TestRoomSwitchIsolation(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{"a": {}, "b": {}}}
	c := newController(link, hist)

	if err := c.SelectRoom(context.Background(), models.Room{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectRoom(context.Background(), models.Room{ID: "b"}); err != nil {
		t.Fatal(err)
	}

	// Late event from the abandoned room must not leak into b.
	link.emit(msgEvent("a", "Bob", "stale", time.Now()))

	st := c.Snapshot()
	if st.Room == nil || st.Room.ID != "b" {
		t.Fatalf("expected room b, got %+v", st.Room)
	}
	if len(st.Messages) != 0 {
		t.Errorf("stale message leaked into the new room: %+v", st.Messages)
	}
}

func TestSelectRoom_SupersededByLaterCall(t *testing.T) {
	release := make(chan struct{})
	link := &fakeLink{}
	hist := &fakeHistory{
		pages: map[string][]models.Message{
			"b": {histMsg("b", "Bob", "from-b", time.Now())},
			"c": {histMsg("c", "Carol", "from-c", time.Now())},
		},
		block:   map[string]chan struct{}{"b": release},
		started: make(chan string, 4),
	}
	c := newController(link, hist)

	done := make(chan error, 1)
	go func() {
		done <- c.SelectRoom(context.Background(), models.Room{ID: "b"})
	}()

	select {
	case room := <-hist.started:
		if room != "b" {
			t.Fatalf("expected history load for b, got %s", room)
		}
	case <-time.After(time.Second):
		t.Fatal("history load for b never started")
	}

	// While b's join is suspended, c supersedes it.
	if err := c.SelectRoom(context.Background(), models.Room{ID: "c"}); err != nil {
		t.Fatalf("SelectRoom(c) failed: %v", err)
	}

	close(release)
	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("expected ErrSuperseded from the stale join, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stale join never resolved")
	}

	st := c.Snapshot()
	if st.Room == nil || st.Room.ID != "c" {
		t.Fatalf("expected state to reflect room c, got %+v", st.Room)
	}
	if len(st.Messages) != 1 || st.Messages[0].Content != "from-c" {
		t.Errorf("expected c's history, got %+v", st.Messages)
	}

	// The stale join must not have dialed.
	for _, p := range link.connectParams() {
		if p.RoomID == "b" {
			t.Error("superseded join opened a connection")
		}
	}
}

func TestSelectRoom_HistoryFailure(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{
		pages: map[string][]models.Message{"a": {histMsg("a", "Bob", "old", time.Now())}},
		errs:  map[string]error{"b": errors.New("history unavailable")},
	}
	c := newController(link, hist)

	if err := c.SelectRoom(context.Background(), models.Room{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	err := c.SelectRoom(context.Background(), models.Room{ID: "b"})
	if err == nil {
		t.Fatal("expected join failure")
	}

	// Teardown precedes the history fetch, so a failed join always yields
	// an empty, disconnected session.
	st := c.Snapshot()
	if st.Phase != PhaseFailed {
		t.Errorf("expected Failed, got %s", st.Phase)
	}
	if st.Connected {
		t.Error("expected disconnected")
	}
	if len(st.Messages) != 0 {
		t.Errorf("expected cleared messages, got %d", len(st.Messages))
	}
}

func TestSelectRoom_ConnectFailure(t *testing.T) {
	link := &fakeLink{connectErr: errors.New("dial refused")}
	hist := &fakeHistory{pages: map[string][]models.Message{"a": {}}}
	c := newController(link, hist)

	if err := c.SelectRoom(context.Background(), models.Room{ID: "a"}); err == nil {
		t.Fatal("expected connect failure")
	}
	if st := c.Snapshot(); st.Phase != PhaseFailed || st.Connected {
		t.Errorf("expected Failed and disconnected, got %+v", st)
	}
}

func TestReconnectWithProfile(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{
		"global": {histMsg("global", "Bob", "old", time.Now().Add(-time.Hour))},
	}}
	c := newController(link, hist)
	if err := c.SelectRoom(context.Background(), models.Room{ID: "global"}); err != nil {
		t.Fatal(err)
	}

	u2 := "u2"
	link.emit(models.Event{
		Type:  models.EventTypeUserList,
		Users: []models.EventUser{{UserID: &u2, DisplayName: "Bob", DisplayColor: "#0f0"}},
	})

	if err := c.ReconnectWithProfile(context.Background(), "#00ff00"); err != nil {
		t.Fatalf("ReconnectWithProfile failed: %v", err)
	}

	params := link.connectParams()
	if len(params) != 2 {
		t.Fatalf("expected 2 connects, got %d", len(params))
	}
	if params[1].RoomID != "global" || params[1].DisplayColor != "#00ff00" {
		t.Errorf("unexpected reconnect params: %+v", params[1])
	}

	// Reconnect-in-place: history and roster survive.
	st := c.Snapshot()
	if st.Phase != PhaseLive || !st.Connected {
		t.Errorf("expected Live and connected, got %+v", st)
	}
	if len(st.Messages) != 1 {
		t.Errorf("expected history preserved, got %d messages", len(st.Messages))
	}
	if len(st.Participants) != 1 {
		t.Errorf("expected roster preserved, got %d participants", len(st.Participants))
	}
	if c.Profile().Color != "#00ff00" {
		t.Errorf("expected profile color updated, got %s", c.Profile().Color)
	}
}

func TestReconnectWithProfile_NotLive(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{}
	c := newController(link, hist)

	if err := c.ReconnectWithProfile(context.Background(), "#fff"); !errors.Is(err, ErrNotLive) {
		t.Errorf("expected ErrNotLive, got %v", err)
	}
}

func TestLinkStatus_DeadLinkReflectedInSnapshot(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{
		"global": {histMsg("global", "Bob", "old", time.Now())},
	}}

	var mu sync.Mutex
	var connected []bool
	c := New(Config{
		Link:    link,
		History: hist,
		Profile: models.User{ID: "u1", DisplayName: "Alice", Color: "#f00"},
		OnChange: func(st State) {
			mu.Lock()
			connected = append(connected, st.Connected)
			mu.Unlock()
		},
	})
	if err := c.SelectRoom(context.Background(), models.Room{ID: "global"}); err != nil {
		t.Fatal(err)
	}

	// The link drops abnormally and its retries run out without ever
	// reopening; the only signal is the status observer going false.
	link.reportStatus(false)

	st := c.Snapshot()
	if st.Connected {
		t.Error("session still reports connected after the link died")
	}
	if st.Phase != PhaseLive {
		t.Errorf("expected phase to stay Live, got %s", st.Phase)
	}
	if len(st.Messages) != 1 {
		t.Errorf("expected history preserved, got %d messages", len(st.Messages))
	}

	mu.Lock()
	notified := len(connected) > 0 && !connected[len(connected)-1]
	mu.Unlock()
	if !notified {
		t.Error("expected an OnChange notification with Connected=false")
	}

	// A successful automatic reconnect flips it back.
	link.reportStatus(true)
	if st := c.Snapshot(); !st.Connected {
		t.Error("expected connected after the link reopened")
	}
}

func TestLinkStatus_IgnoredOutsideLive(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{}
	c := newController(link, hist)

	link.reportStatus(true)

	if st := c.Snapshot(); st.Connected {
		t.Error("status report must not mark an idle session connected")
	}
}

func TestRosterEvents_OnlyWhileLive(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{}
	c := newController(link, hist)

	link.emit(models.Event{
		Type:         models.EventTypeJoin,
		DisplayName:  "Bob",
		DisplayColor: "#0f0",
	})

	if got := len(c.Snapshot().Participants); got != 0 {
		t.Errorf("expected roster events ignored while idle, got %d participants", got)
	}
}

func TestDisconnect_ClearsEverything(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{
		"global": {histMsg("global", "Bob", "old", time.Now())},
	}}
	c := newController(link, hist)
	if err := c.SelectRoom(context.Background(), models.Room{ID: "global"}); err != nil {
		t.Fatal(err)
	}

	link.emit(models.Event{
		Type:         models.EventTypeJoin,
		RoomID:       "global",
		DisplayName:  "Bob",
		DisplayColor: "#0f0",
	})

	c.Disconnect()

	st := c.Snapshot()
	if st.Phase != PhaseIdle || st.Room != nil || st.Connected {
		t.Errorf("expected idle empty session, got %+v", st)
	}
	if len(st.Messages) != 0 || len(st.Participants) != 0 {
		t.Error("expected all session state cleared")
	}
	if link.disconnects == 0 {
		t.Error("expected transport disconnect")
	}
}

func TestOnChange_Notifies(t *testing.T) {
	link := &fakeLink{}
	hist := &fakeHistory{pages: map[string][]models.Message{"global": {}}}

	var mu sync.Mutex
	var phases []Phase
	c := New(Config{
		Link:    link,
		History: hist,
		Profile: models.User{DisplayName: "Ghost", Color: "#888"},
		OnChange: func(st State) {
			mu.Lock()
			phases = append(phases, st.Phase)
			mu.Unlock()
		},
	})

	if err := c.SelectRoom(context.Background(), models.Room{ID: "global"}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(phases) < 2 || phases[0] != PhaseJoining || phases[len(phases)-1] != PhaseLive {
		t.Errorf("expected Joining then Live notifications, got %v", phases)
	}
}
