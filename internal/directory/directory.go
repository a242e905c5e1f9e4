// Package directory is the HTTP client for the chat service's user, room,
// history and unread-count endpoints. The sync core only consumes it; all
// business rules behind these routes live server-side.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"boltalka/internal/models"

	"github.com/c-pro/geche"
)

const (
	requestTimeout = 15 * time.Second
	userCacheTTL   = 5 * time.Minute
)

type Client struct {
	base string
	http *http.Client

	// users caches GetUser lookups; direct-room name enrichment hits the
	// same user repeatedly across sidebar refreshes.
	users geche.Geche[string, models.User]
}

func NewClient(ctx context.Context, base string) *Client {
	return &Client{
		base:  strings.TrimSuffix(base, "/"),
		http:  &http.Client{Timeout: requestTimeout},
		users: geche.NewMapTTLCache[string, models.User](ctx, userCacheTTL, time.Minute),
	}
}

// Users

func (c *Client) Register(ctx context.Context, username, password string) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodPost, "/users/register",
		map[string]string{"username": username, "password": password}, &u)
	return u, err
}

func (c *Client) Login(ctx context.Context, username, password string) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodPost, "/users/login",
		map[string]string{"username": username, "password": password}, &u)
	return u, err
}

func (c *Client) CreateAnonymous(ctx context.Context, displayName, color string) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodPost, "/users/anonymous",
		map[string]string{"displayName": displayName, "color": color}, &u)
	return u, err
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, http.MethodGet, "/users/search?q="+url.QueryEscape(query), nil, &users)
	return users, err
}

func (c *Client) UpdateColor(ctx context.Context, userID, color string) error {
	err := c.do(ctx, http.MethodPatch, "/users/"+userID+"/color",
		map[string]string{"color": color}, nil)
	if err == nil {
		c.users.Del(userID)
	}
	return err
}

func (c *Client) GetUser(ctx context.Context, userID string) (models.User, error) {
	if u, err := c.users.Get(userID); err == nil {
		return u, nil
	}
	var u models.User
	if err := c.do(ctx, http.MethodGet, "/users/"+userID, nil, &u); err != nil {
		return models.User{}, err
	}
	c.users.Set(userID, u)
	return u, nil
}

// Rooms

func (c *Client) CreateRoom(ctx context.Context, name, userID string) (models.Room, error) {
	var r models.Room
	err := c.do(ctx, http.MethodPost, "/rooms/create",
		map[string]string{"name": name, "userId": userID}, &r)
	return r, err
}

func (c *Client) CreateDirectChat(ctx context.Context, userID1, userID2 string) (models.Room, error) {
	var r models.Room
	err := c.do(ctx, http.MethodPost, "/rooms/direct",
		map[string]string{"userId1": userID1, "userId2": userID2}, &r)
	return r, err
}

func (c *Client) JoinRoom(ctx context.Context, roomID, userID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/join",
		map[string]string{"roomId": roomID, "userId": userID}, nil)
}

func (c *Client) UserRooms(ctx context.Context, userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := c.do(ctx, http.MethodGet, "/rooms/user/"+userID, nil, &rooms)
	return rooms, err
}

func (c *Client) PublicRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	err := c.do(ctx, http.MethodGet, "/rooms/public", nil, &rooms)
	return rooms, err
}

func (c *Client) AddUserToRoom(ctx context.Context, roomID, userID, invitedBy string) error {
	return c.do(ctx, http.MethodPost, "/rooms/add-user",
		map[string]string{"roomId": roomID, "userId": userID, "invitedBy": invitedBy}, nil)
}

func (c *Client) Participants(ctx context.Context, roomID string) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, http.MethodGet, "/rooms/"+roomID+"/participants", nil, &users)
	return users, err
}

func (c *Client) RoomsWithMessages(ctx context.Context, userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := c.do(ctx, http.MethodGet, "/messages/user/"+userID+"/rooms-with-messages", nil, &rooms)
	return rooms, err
}

// DirectRoomName resolves the display name of a DIRECT room: the other
// participant's display name, looked up through the cached user endpoint.
// Non-direct rooms and lookup failures fall back to the room's own name.
func (c *Client) DirectRoomName(ctx context.Context, room models.Room, selfID string) string {
	if room.Type != models.RoomTypeDirect {
		return room.Name
	}
	for _, id := range room.Participants {
		if id == selfID || id == "" {
			continue
		}
		u, err := c.GetUser(ctx, id)
		if err != nil {
			slog.Warn("direct room name lookup failed", "room", room.ID, "user", id, "error", err)
			break
		}
		return u.DisplayName
	}
	if room.Name != "" {
		return room.Name
	}
	return "Direct chat"
}

// Messages

type historyPage struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// RoomMessages fetches one page of past messages for a room. This is the
// history loader the session controller consumes on every room join.
func (c *Client) RoomMessages(ctx context.Context, roomID string, limit, offset int) ([]models.Message, bool, error) {
	var page historyPage
	path := fmt.Sprintf("/messages/room/%s?limit=%d&offset=%d", roomID, limit, offset)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, false, err
	}
	return page.Messages, page.HasMore, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID, content string, sender models.User) (models.Message, error) {
	var m models.Message
	err := c.do(ctx, http.MethodPost, "/messages/send", map[string]string{
		"roomId":             roomID,
		"content":            content,
		"senderUserId":       sender.ID,
		"senderDisplayName":  sender.DisplayName,
		"senderDisplayColor": sender.Color,
	}, &m)
	return m, err
}

// UnreadCounts returns per-room unread counts given the locally stored
// last-seen timestamps. The lastSeen map travels JSON-encoded in the query,
// matching the service's contract. Failures degrade to an empty map: unread
// badges are a sidebar concern, never worth failing the caller for.
func (c *Client) UnreadCounts(ctx context.Context, userID string, lastSeen map[string]string) map[string]int {
	encoded, err := json.Marshal(lastSeen)
	if err != nil {
		return map[string]int{}
	}
	counts := map[string]int{}
	path := "/messages/user/" + userID + "/unread-counts?lastSeen=" + url.QueryEscape(string(encoded))
	if err := c.do(ctx, http.MethodGet, path, nil, &counts); err != nil {
		slog.Debug("unread counts unavailable", "error", err)
		return map[string]int{}
	}
	return counts
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return models.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
