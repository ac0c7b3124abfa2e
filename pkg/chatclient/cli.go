package chatclient

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatsync/internal/backend/remote"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/syncengine"
)

// RunCLI dispatches the chatctl subcommands. Flags override the
// CHATSYNC_* environment, which overrides built-in defaults.
func RunCLI(prog string, args []string, stderr io.Writer) error {
	if stderr == nil {
		stderr = os.Stderr
	}
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "init":
		err = runInit(rest)
	case "send":
		err = runSend(rest)
	case "listen":
		err = runListen(rest)
	case "history":
		err = runHistory(rest)
	case "help", "-h", "--help":
		return UsageError{Program: prog}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		return UsageError{Program: prog}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// UsageError asks the caller to print usage and exit non-zero.
type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	prog := u.Program
	if prog == "" {
		prog = "chatctl"
	}
	return fmt.Sprintf("usage: %s <command> [flags]", prog)
}

func (u UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  init     create the identity key pair and register it with the backend",
		"  send     encrypt and send one message, waiting for the ack",
		"  listen   stream a conversation, decrypting messages as they arrive",
		"  history  print recent messages from a conversation",
		"",
		"Common flags: -server, -state, -token, -peer, -conv",
		"Environment: CHATSYNC_BACKEND_URL, CHATSYNC_STATE_PATH, CHATSYNC_TOKEN",
	}
}

func commandFlags(name string, cfg *config.Client) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.BackendURL, "server", cfg.BackendURL, "backend base URL")
	fs.StringVar(&cfg.StatePath, "state", cfg.StatePath, "local state database path")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	return fs
}

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runInit(args []string) error {
	cfg := config.LoadClient()
	fs := commandFlags("init", &cfg)
	user := fs.String("user", "", "user id to mint a token for")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := notifyContext()
	defer stop()

	if cfg.Token == "" {
		if *user == "" {
			return errors.New("no token configured: pass -user to mint one, or set CHATSYNC_TOKEN")
		}
		tok, err := remote.MintToken(ctx, cfg.BackendURL, *user)
		if err != nil {
			return err
		}
		cfg.Token = tok
		fmt.Printf("export CHATSYNC_TOKEN=%s\n", tok)
	}

	c, err := New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	fp, err := c.EnsureIdentity(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("identity ready: user=%s fingerprint=%s\n", c.UserID(), fp)
	return nil
}

// resolveConversation applies the pair-derived default when no
// explicit conversation id was given.
func resolveConversation(conv, me, peer string) (string, error) {
	if peer == "" {
		return "", errors.New("recipient user id is required (-peer)")
	}
	if conv == "" {
		conv = ConversationID(me, peer)
	}
	return conv, nil
}

func runSend(args []string) error {
	cfg := config.LoadClient()
	fs := commandFlags("send", &cfg)
	peer := fs.String("peer", "", "recipient user id")
	conv := fs.String("conv", "", "conversation id (defaults to the direct-message id)")
	message := fs.String("message", "", "message body (reads stdin when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body, err := resolveBody(*message, os.Stdin)
	if err != nil {
		return err
	}

	ctx, stop := notifyContext()
	defer stop()

	c, err := New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	conversationID, err := resolveConversation(*conv, c.UserID(), *peer)
	if err != nil {
		return err
	}

	if n, err := c.FlushOutbox(ctx); err != nil {
		c.log.Warn("outbox flush incomplete", "sent", n, "err", err)
	} else if n > 0 {
		fmt.Printf("flushed %d queued message(s)\n", n)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	msg, err := c.Send(sendCtx, conversationID, *peer, body)
	if err != nil {
		if errors.Is(err, syncengine.ErrSendFailed) {
			return fmt.Errorf("message queued but not delivered; it resends on the next run: %w", err)
		}
		return err
	}
	fmt.Printf("sent %s at %s\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
	return nil
}

// resolveBody takes the flag value or falls back to reading stdin, so
// bodies can be piped in.
func resolveBody(flagValue string, stdin io.Reader) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read message from stdin: %w", err)
	}
	body := strings.TrimSpace(string(data))
	if body == "" {
		return "", errors.New("empty message body")
	}
	return body, nil
}

func runListen(args []string) error {
	cfg := config.LoadClient()
	fs := commandFlags("listen", &cfg)
	peer := fs.String("peer", "", "conversation counterpart user id")
	conv := fs.String("conv", "", "conversation id (defaults to the direct-message id)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := notifyContext()
	defer stop()

	c, err := New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	conversationID, err := resolveConversation(*conv, c.UserID(), *peer)
	if err != nil {
		return err
	}

	if n, err := c.FlushOutbox(ctx); err != nil {
		c.log.Warn("outbox flush incomplete", "sent", n, "err", err)
	}

	tl, err := c.Open(ctx, conversationID, *peer)
	if err != nil {
		return err
	}
	fmt.Printf("listening on %s as %s (ctrl-c to stop)\n", conversationID, c.UserID())
	return c.streamTimeline(ctx, conversationID, *peer, tl, os.Stdout)
}

// streamTimeline prints new messages as they land and mirrors typing
// and connectivity state. It returns when ctx is cancelled.
func (c *Client) streamTimeline(ctx context.Context, conversationID, peerID string, tl *syncengine.Timeline, out io.Writer) error {
	snaps, cancel := tl.Subscribe()
	defer cancel()

	// Typing and banner state live on the timeline, not in message
	// snapshots, so they are polled.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	w := bufio.NewWriter(out)
	defer w.Flush()

	printed := make(map[string]bool)
	lastSeen, _ := c.LastSeen(ctx, conversationID)
	wasTyping := false
	lastBanner := ""

	flush := func(msgs []domain.Message) {
		newest := lastSeen
		gotInbound := false
		for _, m := range msgs {
			key := m.Identity()
			if printed[key] {
				continue
			}
			printed[key] = true
			printMessage(w, m, c.UserID())
			if m.SenderID != c.UserID() {
				gotInbound = true
			}
			if m.CreatedAt.After(newest) {
				newest = m.CreatedAt
			}
		}
		w.Flush()
		if newest.After(lastSeen) {
			lastSeen = newest
			if err := c.RememberSeen(ctx, conversationID, newest); err != nil {
				c.log.Warn("saving read cursor failed", "conversation_id", conversationID, "err", err)
			}
		}
		if gotInbound {
			if err := c.MarkRead(ctx, conversationID); err != nil {
				c.log.Warn("read receipt failed", "conversation_id", conversationID, "err", err)
			}
		}
	}

	flush(tl.Messages())
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			flush(snap)
		case <-ticker.C:
			if typing := tl.Typing(); typing != wasTyping {
				wasTyping = typing
				if typing {
					fmt.Fprintf(w, "-- %s is typing\n", peerID)
					w.Flush()
				}
			}
			if banner := tl.Banner(); banner != lastBanner {
				lastBanner = banner
				if banner != "" {
					fmt.Fprintf(w, "!! %s\n", banner)
					w.Flush()
				}
			}
		}
	}
}

func runHistory(args []string) error {
	cfg := config.LoadClient()
	fs := commandFlags("history", &cfg)
	peer := fs.String("peer", "", "conversation counterpart user id")
	conv := fs.String("conv", "", "conversation id (defaults to the direct-message id)")
	limit := fs.Int("limit", 20, "how many messages to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := notifyContext()
	defer stop()

	c, err := New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	conversationID, err := resolveConversation(*conv, c.UserID(), *peer)
	if err != nil {
		return err
	}

	histCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	msgs, err := c.History(histCtx, conversationID, *peer, *limit)
	if err != nil {
		return err
	}

	lastSeen, _ := c.LastSeen(ctx, conversationID)
	w := bufio.NewWriter(os.Stdout)
	newest := lastSeen
	for _, m := range msgs {
		if m.SenderID != c.UserID() && m.CreatedAt.After(lastSeen) {
			fmt.Fprint(w, "* ")
		} else {
			fmt.Fprint(w, "  ")
		}
		printMessage(w, m, c.UserID())
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	w.Flush()
	if newest.After(lastSeen) {
		if err := c.RememberSeen(ctx, conversationID, newest); err != nil {
			c.log.Warn("saving read cursor failed", "conversation_id", conversationID, "err", err)
		}
	}
	return nil
}

func printMessage(w io.Writer, m domain.Message, me string) {
	body := m.Body
	if m.Undecryptable {
		body = "(undecryptable)"
	}
	sender := m.SenderID
	if sender == me {
		sender = "me"
	}
	fmt.Fprintf(w, "[%s] %s (%s): %s\n",
		m.CreatedAt.Local().Format("15:04:05"), sender, m.Status, body)
}
