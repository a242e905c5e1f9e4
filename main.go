package main

import (
	"boltalka/internal/commands"
	"boltalka/internal/config"
	"boltalka/internal/content"
	"boltalka/internal/directory"
	"boltalka/internal/models"
	"boltalka/internal/session"
	"boltalka/internal/storage"
	"boltalka/internal/transport"
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

func run(ctx context.Context) error {
	anonymous := flag.String("anonymous", "", "Display name for a new anonymous profile (creates it and exits)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *anonymous != "" {
		return commands.CreateAnonymous(ctx, *anonymous, cfg)
	}

	store, err := storage.NewBboltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	client := directory.NewClient(ctx, cfg.APIBase)

	profile, err := store.LoadProfile()
	switch {
	case errors.Is(err, models.ErrNotFound):
		if cfg.DisplayName == "" {
			return fmt.Errorf("no stored profile; run with -anonymous NAME or set DISPLAY_NAME")
		}
		profile, err = client.CreateAnonymous(ctx, cfg.DisplayName, cfg.DisplayColor)
		if err != nil {
			return fmt.Errorf("failed to create anonymous profile: %w", err)
		}
		if err := store.SaveProfile(profile); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	link := transport.New(transport.Config{
		URL:         cfg.WSURL,
		MaxAttempts: cfg.ReconnectAttempts,
		RetryDelay:  cfg.ReconnectDelay,
	})

	printer := &messagePrinter{}
	ctrl := session.New(session.Config{
		Link:         link,
		History:      client,
		Profile:      profile,
		HistoryLimit: cfg.HistoryLimit,
		Quiescence:   cfg.QuiescenceDelay,
		OnChange:     printer.apply,
	})

	a := &app{
		store:  store,
		client: client,
		ctrl:   ctrl,
		out:    os.Stdout,
		rooms:  make(map[string]models.Room),
	}

	fmt.Printf("Signed in as %s. Type /help for commands.\n", profile.DisplayName)

	lines := make(chan string)
	g, gCtx := errgroup.WithContext(ctx)

	// Stdin reader
	g.Go(func() error {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gCtx.Done():
				return nil
			}
		}
		return errQuit
	})

	// Command loop
	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case line := <-lines:
				if err := a.handleLine(gCtx, line); err != nil {
					if errors.Is(err, errQuit) {
						return errQuit
					}
					fmt.Printf("error: %v\n", err)
				}
			}
		}
	})

	// Unread badge poller
	g.Go(func() error {
		if profile.ID == "" {
			return nil // the unread service needs a registered user id
		}
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				marks, err := store.LastSeen()
				if err != nil {
					log.Printf("last-seen read error: %v", err)
					continue
				}
				a.printUnread(client.UnreadCounts(gCtx, profile.ID, marks))
			}
		}
	})

	err = g.Wait()

	final := ctrl.Snapshot()
	ctrl.Disconnect()

	if cfg.TranscriptPath != "" && len(final.Messages) > 0 {
		if werr := writeTranscript(cfg.TranscriptPath, final); werr != nil {
			log.Printf("transcript write error: %v", werr)
		}
	}

	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

type app struct {
	store  *storage.BboltStore
	client *directory.Client
	ctrl   *session.Controller
	out    io.Writer

	mu    sync.Mutex
	rooms map[string]models.Room // last listed rooms by id
}

func (a *app) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		fmt.Fprintln(a.out, "/rooms            list rooms")
		fmt.Fprintln(a.out, "/join <room-id>   switch to a room")
		fmt.Fprintln(a.out, "/users            list who is here")
		fmt.Fprintln(a.out, "/color <#hex>     change display color")
		fmt.Fprintln(a.out, "/quit             exit")
		fmt.Fprintln(a.out, "anything else is sent to the current room")
		return nil
	case "/rooms":
		return a.listRooms(ctx)
	case "/join":
		if arg == "" {
			return fmt.Errorf("usage: /join <room-id>")
		}
		return a.joinRoom(ctx, arg)
	case "/users":
		st := a.ctrl.Snapshot()
		if len(st.Participants) == 0 {
			fmt.Fprintln(a.out, "nobody here")
			return nil
		}
		for _, p := range st.Participants {
			label := ""
			if p.Anonymous {
				label = " (anonymous)"
			}
			fmt.Fprintf(a.out, "  %s%s\n", p.DisplayName, label)
		}
		return nil
	case "/color":
		if arg == "" {
			return fmt.Errorf("usage: /color <#hex>")
		}
		return a.changeColor(ctx, arg)
	case "/quit":
		return errQuit
	default:
		a.ctrl.SendMessage(line)
		a.markSeen()
		return nil
	}
}

func (a *app) listRooms(ctx context.Context) error {
	profile := a.ctrl.Profile()

	rooms, err := a.client.PublicRooms(ctx)
	if err != nil {
		return err
	}
	if profile.ID != "" {
		own, err := a.client.UserRooms(ctx, profile.ID)
		if err != nil {
			return err
		}
		rooms = append(rooms, own...)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range rooms {
		if _, seen := a.rooms[r.ID]; seen {
			continue
		}
		name := r.Name
		if r.Type == models.RoomTypeDirect {
			name = a.client.DirectRoomName(ctx, r, profile.ID)
			if err := a.store.CacheRoomName(r.ID, name); err != nil {
				log.Printf("room name cache error: %v", err)
			}
		}
		r.Name = name
		a.rooms[r.ID] = r
		fmt.Fprintf(a.out, "  %-16s %s (%s)\n", r.ID, name, strings.ToLower(string(r.Type)))
	}
	return nil
}

func (a *app) joinRoom(ctx context.Context, roomID string) error {
	a.mu.Lock()
	room, ok := a.rooms[roomID]
	a.mu.Unlock()
	if !ok {
		room = models.Room{ID: roomID, Name: roomID, Type: models.RoomTypeGroup}
		if roomID == "global" {
			room.Name = "Global"
			room.Type = models.RoomTypeGlobal
		}
	}

	// Selecting the tracked room again is a no-op in the controller while the
	// session is healthy; don't report it as a fresh join. A failed or dead
	// session falls through to a real rejoin.
	if st := a.ctrl.Snapshot(); st.Room != nil && st.Room.ID == room.ID &&
		st.Phase == session.PhaseLive && st.Connected {
		fmt.Fprintf(a.out, "already in %s\n", room.Name)
		return nil
	}

	if err := a.ctrl.SelectRoom(ctx, room); err != nil {
		if errors.Is(err, session.ErrSuperseded) {
			return nil
		}
		return err
	}
	a.markSeen()
	fmt.Fprintf(a.out, "joined %s\n", room.Name)
	return nil
}

func (a *app) changeColor(ctx context.Context, color string) error {
	profile := a.ctrl.Profile()
	if profile.ID != "" {
		if err := a.client.UpdateColor(ctx, profile.ID, color); err != nil {
			return err
		}
	}
	if err := a.ctrl.ReconnectWithProfile(ctx, color); err != nil && !errors.Is(err, session.ErrNotLive) {
		return err
	}
	profile.Color = color
	return a.store.SaveProfile(profile)
}

func (a *app) markSeen() {
	st := a.ctrl.Snapshot()
	if st.Room == nil {
		return
	}
	if err := a.store.MarkSeen(st.Room.ID, time.Now()); err != nil {
		log.Printf("mark seen error: %v", err)
	}
}

func (a *app) printUnread(counts map[string]int) {
	st := a.ctrl.Snapshot()
	for roomID, n := range counts {
		if n == 0 || (st.Room != nil && st.Room.ID == roomID) {
			continue
		}
		name := roomID
		if cached, err := a.store.RoomName(roomID); err == nil {
			name = cached
		}
		fmt.Printf("* %d unread in %s\n", n, name)
	}
}

// messagePrinter prints messages as they are appended to the session list,
// resetting whenever the list is replaced wholesale on a room switch.
type messagePrinter struct {
	mu      sync.Mutex
	roomID  string
	printed int
}

func (p *messagePrinter) apply(st session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	roomID := ""
	if st.Room != nil {
		roomID = st.Room.ID
	}
	if roomID != p.roomID || len(st.Messages) < p.printed {
		p.roomID = roomID
		p.printed = 0
	}

	for _, m := range st.Messages[p.printed:] {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.SenderDisplayName, m.Content)
	}
	p.printed = len(st.Messages)
}

func writeTranscript(path string, st session.State) error {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"></head><body>\n")
	if st.Room != nil {
		fmt.Fprintf(&buf, "<h1>%s</h1>\n", content.Escape(st.Room.Name))
	}
	for _, m := range st.Messages {
		body, err := content.RenderMessage(m.Content)
		if err != nil {
			body = content.Escape(m.Content)
		}
		fmt.Fprintf(&buf, "<div><span style=\"color:%s\">%s</span> <time>%s</time>%s</div>\n",
			content.Escape(m.SenderDisplayColor),
			content.Escape(m.SenderDisplayName),
			m.CreatedAt.Local().Format(time.RFC3339),
			body,
		)
	}
	buf.WriteString("</body></html>\n")
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
