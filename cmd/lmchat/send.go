package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MegaGrindStone/lm-chat/internal/chat"
	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/spf13/cobra"
)

// errReplyFailed ends a send whose reply was an error. The error is already printed with the reply.
var errReplyFailed = errors.New("reply failed")

// pollInterval is how often send checks the session directly, for replies whose events were missed
// before the event stream was subscribed.
var pollInterval = 250 * time.Millisecond

func newSendCmd(a *app) *cobra.Command {
	var (
		sessionID string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message and print the streamed reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return a.send(ctx, cmd.OutOrStdout(), sessionID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session to send to (default: the active session)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the reply")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the reply that is currently streaming",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cancelled, err := a.client.Cancel(cmd.Context())
			if err != nil {
				return err
			}
			if cancelled {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to cancel.")
			}
			return nil
		},
	}
}

// send sends text and prints the reply as it streams. Chunks come from the event stream; the final text
// is taken from the session itself, so the output is complete even if some events were missed.
func (a *app) send(ctx context.Context, w io.Writer, sessionID, text string) error {
	if sessionID == "" {
		list, err := a.client.Sessions(ctx)
		if err != nil {
			return err
		}
		sessionID = list.ActiveSessionID
	}
	before, err := a.client.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	baseline := len(before.Messages)

	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()

	events := make(chan chat.Event, 64)
	go func() {
		defer close(events)
		for ev, err := range a.client.Follow(followCtx, sessionID) {
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-followCtx.Done():
				return
			}
		}
	}()

	if _, err := a.client.Send(ctx, sessionID, text); err != nil {
		return err
	}

	r := replyPrinter{w: w}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Type {
			case chat.EventStreamStart, chat.EventStreamChunk:
				r.chunk(ev.MessageID, ev.Chunk)
			case chat.EventStreamEnd, chat.EventChatError:
				return a.finish(ctx, &r, sessionID, baseline)
			}
		case <-ticker.C:
			sess, err := a.client.Session(ctx, sessionID)
			if err != nil {
				return err
			}
			if replyDone(sess.Messages, baseline) {
				return r.finish(sess.Messages[baseline:])
			}
		}
	}
}

func (a *app) finish(ctx context.Context, r *replyPrinter, sessionID string, baseline int) error {
	sess, err := a.client.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(sess.Messages) < baseline {
		return fmt.Errorf("session %s changed while waiting for the reply", sessionID)
	}
	return r.finish(sess.Messages[baseline:])
}

// replyDone reports whether the messages after baseline hold a finished reply or an error.
func replyDone(msgs []models.Message, baseline int) bool {
	if len(msgs) < baseline+2 {
		return false
	}
	last := msgs[len(msgs)-1]
	return last.Sender != models.SenderUser && !last.IsStreaming
}

type replyPrinter struct {
	w         io.Writer
	messageID string
	shown     string
}

func (r *replyPrinter) chunk(messageID, text string) {
	if r.messageID == "" {
		r.messageID = messageID
		fmt.Fprint(r.w, assistantStyle.Render("assistant")+" ")
	}
	if messageID != r.messageID {
		return
	}
	r.shown += text
	fmt.Fprint(r.w, text)
}

// finish prints what the stream didn't show of the new messages: the rest of the reply and any error.
func (r *replyPrinter) finish(msgs []models.Message) error {
	failed := false
	for _, msg := range msgs {
		switch msg.Sender {
		case models.SenderAssistant:
			if r.messageID == "" {
				r.messageID = msg.ID
				fmt.Fprint(r.w, assistantStyle.Render("assistant")+" ")
			}
			if msg.ID == r.messageID {
				fmt.Fprint(r.w, strings.TrimPrefix(msg.Text, r.shown))
				r.shown = msg.Text
				fmt.Fprintln(r.w)
			}
		case models.SenderSystem:
			if msg.IsError {
				failed = true
				fmt.Fprintln(r.w, errorStyle.Render(msg.Text))
			}
		}
	}
	if failed {
		return errReplyFailed
	}
	return nil
}
