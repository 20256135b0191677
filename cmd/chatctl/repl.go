package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/umar/bonded-messaging/internal/messaging"
	"github.com/umar/bonded-messaging/internal/models"
)

const help = `commands:
  /list                    conversations, most recent first
  /dm <user-id>            open the direct conversation with a user
  /group <name> <ids...>   create a group and open it
  /open <conversation-id>  open a conversation
  /more                    load older messages
  /read                    mark the open conversation read
  /who                     online users
  /help                    this text
  /quit
anything else is sent to the open conversation`

type repl struct {
	sess *messaging.Session

	mu      sync.Mutex
	out     io.Writer
	current *messaging.Thread
	watched map[string]bool
	printed map[string]bool
}

func newREPL(sess *messaging.Session, out io.Writer) *repl {
	return &repl{sess: sess, out: out, watched: map[string]bool{}, printed: map[string]bool{}}
}

func (r *repl) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Run reads commands from in until it is exhausted, /quit is entered or ctx is done.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	r.printf("signed in as %s, /help for commands\n", r.sess.UserID())
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := r.exec(ctx, line); err != nil {
			r.printf("error: %v\n", err)
		}
	}
	return scanner.Err()
}

func (r *repl) exec(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, line)
	}
	fields := strings.Fields(line)
	args := fields[1:]

	switch fields[0] {
	case "/help":
		r.printf("%s\n", help)
	case "/list":
		convs, err := r.sess.Directory().Load(ctx)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			r.printf("no conversations\n")
		}
		for _, c := range convs {
			r.printf("%s\n", describe(c))
		}
	case "/dm":
		if len(args) != 1 {
			return errors.New("usage: /dm <user-id>")
		}
		id, err := r.sess.Directory().GetOrCreateConversation(ctx, args[0])
		if err != nil {
			return err
		}
		return r.open(ctx, id)
	case "/group":
		if len(args) < 2 {
			return errors.New("usage: /group <name> <ids...>")
		}
		id, err := r.sess.Directory().CreateGroupConversation(ctx, args[1:], args[0])
		if err != nil {
			return err
		}
		return r.open(ctx, id)
	case "/open":
		if len(args) != 1 {
			return errors.New("usage: /open <conversation-id>")
		}
		return r.open(ctx, args[0])
	case "/more":
		t := r.thread()
		if t == nil {
			return errors.New("no conversation open")
		}
		more, err := t.LoadOlder(ctx, 0)
		if err != nil {
			return err
		}
		if !more {
			r.printf("start of conversation\n")
		}
	case "/read":
		t := r.thread()
		if t == nil {
			return errors.New("no conversation open")
		}
		return r.sess.Directory().MarkRead(ctx, t.ConversationID())
	case "/who":
		users := r.sess.Presence().OnlineUsers()
		r.printf("online: %s\n", strings.Join(users, ", "))
	default:
		return errors.Errorf("unknown command %s", fields[0])
	}
	return nil
}

func (r *repl) thread() *messaging.Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *repl) open(ctx context.Context, id string) error {
	if prev := r.thread(); prev != nil && prev.ConversationID() != id {
		r.sess.Release(prev.ConversationID())
		r.mu.Lock()
		delete(r.watched, prev.ConversationID())
		r.mu.Unlock()
	}

	t, err := r.sess.Open(ctx, id, 0)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = t
	first := !r.watched[id]
	r.watched[id] = true
	r.mu.Unlock()

	r.printf("-- %s --\n", id)
	if first {
		t.OnChange(func(msgs []models.Message) { r.show(id, msgs) })
	}
	r.show(id, t.Messages())
	return nil
}

// show prints the messages of the open conversation that have not been printed yet.
func (r *repl) show(id string, msgs []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.ConversationID() != id {
		return
	}
	for _, m := range msgs {
		if r.printed[m.ID] {
			continue
		}
		r.printed[m.ID] = true
		fmt.Fprintf(r.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), senderName(m), m.Content)
	}
}

func (r *repl) send(ctx context.Context, text string) error {
	t := r.thread()
	if t == nil {
		return errors.New("no conversation open, try /dm or /open")
	}
	_ = r.sess.SendTypingIndicator(ctx, t.ConversationID())
	res, err := t.Send(ctx, text)
	if err != nil {
		return err
	}
	if res.Blocked {
		r.printf("not sent: %s\n", res.Reason)
	}
	return nil
}

func senderName(m models.Message) string {
	if m.Sender != nil && m.Sender.DisplayName != "" {
		return m.Sender.DisplayName
	}
	return m.SenderID
}

func describe(c models.Conversation) string {
	title := c.Name
	if c.Type == models.ConversationDirect || title == "" {
		names := make([]string, 0, len(c.Participants))
		for _, p := range c.Participants {
			names = append(names, p.DisplayName)
		}
		title = strings.Join(names, ", ")
	}
	line := fmt.Sprintf("%s  %s", c.ID, title)
	if c.UnreadCount > 0 {
		line += fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	if c.LastMessage != nil {
		line += "  " + *c.LastMessage
	}
	return line
}
