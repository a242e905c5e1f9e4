package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boltalka/internal/content"
	"boltalka/internal/models"
	"boltalka/internal/presence"
	"boltalka/internal/transport"

	"github.com/google/uuid"
)

var (
	// ErrSuperseded is returned to a SelectRoom or ReconnectWithProfile
	// caller whose in-flight join was overtaken by a newer one. The newer
	// call's eventual completion is authoritative.
	ErrSuperseded = errors.New("join superseded")

	// ErrNotLive is returned by ReconnectWithProfile outside a live session.
	ErrNotLive = errors.New("no live session")
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseJoining Phase = "joining"
	PhaseLive    Phase = "live"
	PhaseFailed  Phase = "failed"
)

// State is a consistent snapshot of the session aggregate, safe for the
// consumer to retain.
type State struct {
	Phase        Phase
	Room         *models.Room
	Messages     []models.Message
	Participants []models.Participant
	Connected    bool
}

type liveLink interface {
	Connect(ctx context.Context, p transport.Params) error
	Send(content string)
	Disconnect()
	AddHandler(fn transport.EventHandler) transport.HandlerID
	OnStatus(fn func(open bool))
}

type historyLoader interface {
	RoomMessages(ctx context.Context, roomID string, limit, offset int) ([]models.Message, bool, error)
}

type Config struct {
	Link    liveLink
	History historyLoader

	// Profile is the active user. Its color may change over the session's
	// lifetime via ReconnectWithProfile.
	Profile models.User

	// HistoryLimit is the page size requested from the history service on
	// each room join.
	HistoryLimit int

	// Quiescence is how long to wait between closing the old link and
	// opening the new one, so the remote side never observes two
	// simultaneous identities for one client.
	Quiescence time.Duration

	// OnChange, when set, is invoked with a fresh snapshot after every
	// state mutation. It runs outside the controller's lock.
	OnChange func(State)
}

// Controller owns one live session: the binding between this client and one
// room, combining connection, message history and roster. Room switches
// replace the aggregate wholesale; a join that fails always yields an empty,
// disconnected session because teardown happens before the history fetch.
//
// All mutation is serialized under one mutex. Joins suspend at the
// quiescence wait, the history fetch and the link dial; every post-suspend
// commit carries the generation it was started under and is discarded when a
// newer join has bumped it since. There is no cancellation of the underlying
// operations, only of their effects.
type Controller struct {
	link         liveLink
	history      historyLoader
	historyLimit int
	quiescence   time.Duration
	onChange     func(State)

	mu        sync.Mutex
	gen       int
	phase     Phase
	room      *models.Room
	messages  []models.Message
	roster    *presence.Roster
	profile   models.User
	connected bool
}

func New(config Config) *Controller {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}
	c := &Controller{
		link:         config.Link,
		history:      config.History,
		historyLimit: config.HistoryLimit,
		quiescence:   config.Quiescence,
		onChange:     config.OnChange,
		phase:        PhaseIdle,
		roster:       presence.NewRoster(),
		profile:      config.Profile,
	}
	c.link.AddHandler(c.handleEvent)
	c.link.OnStatus(c.handleStatus)
	return c
}

// SelectRoom switches the session to the given room: teardown of the old
// link, a quiescence wait, one page of history, then a fresh connection. A
// repeated selection of the already-tracked room is a no-op while a join is
// in flight or the session is live and connected; re-selecting a failed or
// dead room runs a full join again. There is no automatic retry of a failed
// join; the caller re-invokes SelectRoom.
func (c *Controller) SelectRoom(ctx context.Context, room models.Room) error {
	c.mu.Lock()
	if c.room != nil && c.room.ID == room.ID &&
		(c.phase == PhaseJoining || (c.phase == PhaseLive && c.connected)) {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	r := room
	c.room = &r
	c.phase = PhaseJoining
	c.connected = false
	c.messages = nil
	c.roster.Clear()
	profile := c.profile
	c.mu.Unlock()
	c.notify()

	c.link.Disconnect()

	if err := wait(ctx, c.quiescence); err != nil {
		return c.failJoin(gen, err)
	}

	msgs, _, err := c.history.RoomMessages(ctx, room.ID, c.historyLimit, 0)
	if err != nil {
		return c.failJoin(gen, fmt.Errorf("load history: %w", err))
	}

	// Re-check before dialing so a superseded join never opens a link that
	// would tear down its successor's.
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.mu.Unlock()

	if err := c.link.Connect(ctx, joinParams(room.ID, profile)); err != nil {
		return c.failJoin(gen, fmt.Errorf("connect: %w", err))
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.phase = PhaseLive
	c.messages = sanitized(msgs)
	c.roster.Clear()
	c.connected = true
	c.mu.Unlock()
	c.notify()
	return nil
}

// ReconnectWithProfile drops and re-establishes the link for the same room
// with a new display color. Unlike a room switch it preserves the message
// list and the roster accumulated so far.
func (c *Controller) ReconnectWithProfile(ctx context.Context, color string) error {
	c.mu.Lock()
	if c.phase != PhaseLive || c.room == nil {
		c.mu.Unlock()
		return ErrNotLive
	}
	c.profile.Color = color
	c.gen++
	gen := c.gen
	roomID := c.room.ID
	profile := c.profile
	c.connected = false
	c.mu.Unlock()
	c.notify()

	c.link.Disconnect()

	if err := wait(ctx, c.quiescence); err != nil {
		return c.failReconnect(gen, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.mu.Unlock()

	if err := c.link.Connect(ctx, joinParams(roomID, profile)); err != nil {
		return c.failReconnect(gen, fmt.Errorf("reconnect: %w", err))
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.connected = true
	c.mu.Unlock()
	c.notify()
	return nil
}

// SendMessage forwards content over the live link. Empty content and a
// closed link are silently ignored, matching the transport contract.
func (c *Controller) SendMessage(content string) {
	c.link.Send(content)
}

// Disconnect tears the session down to Idle, clearing all state.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.phase = PhaseIdle
	c.room = nil
	c.messages = nil
	c.roster.Clear()
	c.connected = false
	c.mu.Unlock()

	c.link.Disconnect()
	c.notify()
}

// Profile returns the active user as currently tracked.
func (c *Controller) Profile() models.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Snapshot returns a deep copy of the current session state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	st := State{
		Phase:        c.phase,
		Connected:    c.connected,
		Participants: c.roster.Participants(),
		Messages:     make([]models.Message, len(c.messages)),
	}
	copy(st.Messages, c.messages)
	if c.room != nil {
		r := *c.room
		st.Room = &r
	}
	return st
}

func (c *Controller) failJoin(gen int, err error) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.phase = PhaseFailed
	c.connected = false
	c.messages = nil
	c.roster.Clear()
	c.mu.Unlock()
	c.notify()
	return err
}

func (c *Controller) failReconnect(gen int, err error) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.connected = false
	c.mu.Unlock()
	c.notify()
	return err
}

// handleStatus tracks the link's own status transitions: the drop that opens
// an automatic reconnect, the reconnect's success, and the silent final drop
// once the retry budget is exhausted. The session stays Live throughout, with
// Connected reflecting the link, so the consumer can see a dead session and
// offer a manual rejoin. Joins and explicit disconnects manage the flag
// through their own commits instead.
func (c *Controller) handleStatus(open bool) {
	c.mu.Lock()
	if c.phase != PhaseLive || c.connected == open {
		c.mu.Unlock()
		return
	}
	c.connected = open
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) handleEvent(ev models.Event) {
	switch ev.Type {
	case models.EventTypeMessage:
		c.ingestMessage(ev)
	case models.EventTypeUserList:
		c.applyRoster(func(r *presence.Roster) {
			users := make([]models.Participant, 0, len(ev.Users))
			for _, u := range ev.Users {
				users = append(users, u.Participant())
			}
			r.ApplySnapshot(users)
		})
	case models.EventTypeJoin:
		if ev.DisplayName == "" || ev.DisplayColor == "" {
			slog.Debug("dropping malformed join event")
			return
		}
		p := models.Participant{DisplayName: ev.DisplayName, Color: ev.DisplayColor}
		if ev.UserID != nil && *ev.UserID != "" {
			p.UserID = *ev.UserID
		} else {
			p.Anonymous = true
		}
		c.applyRoster(func(r *presence.Roster) { r.ApplyJoin(p) })
	case models.EventTypeLeave:
		if ev.DisplayName == "" {
			slog.Debug("dropping malformed leave event")
			return
		}
		c.applyRoster(func(r *presence.Roster) { r.ApplyLeave(ev.DisplayName) })
	case models.EventTypeError:
		slog.Warn("server error event", "message", ev.Message)
	default:
		slog.Debug("dropping event of unknown type", "type", ev.Type)
	}
}

// ingestMessage applies the inbound-message policy: drop events for other
// rooms, malformed events, and content-duplicates of messages already in the
// list. Real-time links echo a sender's own message back, so the duplicate
// check is what prevents double display.
func (c *Controller) ingestMessage(ev models.Event) {
	if ev.Content == "" || ev.DisplayName == "" || ev.DisplayColor == "" {
		slog.Debug("dropping malformed message event", "room", ev.RoomID)
		return
	}

	roomID := ev.RoomID
	if roomID == "" {
		roomID = "global"
	}

	c.mu.Lock()
	// c.room is updated synchronously at the start of SelectRoom, so a late
	// event from a just-abandoned room cannot leak into the new one.
	if c.room == nil || c.room.ID != roomID {
		c.mu.Unlock()
		return
	}

	msg := models.Message{
		ID:                 models.MessageID(uuid.NewString()),
		RoomID:             roomID,
		SenderUserID:       ev.UserID,
		SenderDisplayName:  ev.DisplayName,
		SenderDisplayColor: ev.DisplayColor,
		Content:            content.Sanitize(ev.Content),
		CreatedAt:          eventTime(ev.Timestamp),
	}

	for _, m := range c.messages {
		if models.ContentDuplicate(m, msg) {
			c.mu.Unlock()
			return
		}
	}

	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) applyRoster(fn func(*presence.Roster)) {
	c.mu.Lock()
	if c.phase != PhaseLive {
		c.mu.Unlock()
		return
	}
	fn(c.roster)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.Snapshot())
}

func joinParams(roomID string, profile models.User) transport.Params {
	name := profile.DisplayName
	if name == "" {
		name = profile.Username
	}
	if name == "" {
		name = "Anonymous"
	}
	return transport.Params{
		RoomID:       roomID,
		DisplayName:  name,
		DisplayColor: profile.Color,
		UserID:       profile.ID,
	}
}

func sanitized(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		m.Content = content.Sanitize(m.Content)
		out[i] = m
	}
	return out
}

func eventTime(ts string) time.Time {
	if ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t
		}
		slog.Debug("unparseable event timestamp, using local clock", "timestamp", ts)
	}
	return time.Now()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
