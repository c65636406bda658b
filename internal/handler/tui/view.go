// Package tui renders one channel's chat stream in the terminal.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/loreline/streamchat/internal/adapter/pubsub"
	"github.com/loreline/streamchat/internal/domain/event"
	"github.com/loreline/streamchat/internal/emotes"
	"github.com/loreline/streamchat/internal/segment"
	"github.com/loreline/streamchat/internal/session"
)

type View struct {
	session    *session.Session
	dispatcher pubsub.Dispatcher
	dict       emotes.Dict
	logger     *slog.Logger
}

func NewView(s *session.Session, dispatcher pubsub.Dispatcher, dict emotes.Dict, logger *slog.Logger) *View {
	return &View{
		session:    s,
		dispatcher: dispatcher,
		dict:       dict,
		logger:     logger,
	}
}

// Run draws the chat view until the context ends or the user quits with q
// or Ctrl-C.
func (v *View) Run(ctx context.Context) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("tui: init: %w", err)
	}
	defer ui.Close()

	list := widgets.NewList()
	list.Title = " #" + v.session.Channel() + " "
	list.WrapText = true

	resize := func(width, height int) {
		list.SetRect(0, 0, width, height)
	}
	w, h := ui.TerminalDimensions()
	resize(w, h)

	render := func() {
		list.Rows = FormatEvents(v.session.Events(), v.dict)
		if len(list.Rows) > 0 {
			list.SelectedRow = len(list.Rows) - 1
		}
		ui.Render(list)
	}
	render()

	events, err := v.dispatcher.Subscribe(ctx, v.session.Channel())
	if err != nil {
		return fmt.Errorf("tui: subscribe: %w", err)
	}

	uiEvents := ui.PollEvents()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
			render()
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				resize(payload.Width, payload.Height)
				render()
			}
		}
	}
}

// FormatEvents renders the event list into display rows, oldest first.
func FormatEvents(events []*event.Event, dict emotes.Dict) []string {
	rows := make([]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, FormatEvent(ev, dict))
	}
	return rows
}

// FormatEvent renders one event as a single display row.
func FormatEvent(ev *event.Event, dict emotes.Dict) string {
	stamp := ev.Timestamp.Local().Format("15:04")

	switch ev.Type {
	case event.TypeMessage:
		if ev.Deleted {
			return fmt.Sprintf("[%s [%s](fg:red) <message deleted>](fg:8)", stamp, ev.Message.Author.Name)
		}
		text := renderBody(ev.Message, dict)
		if ev.Message.IsAction {
			return fmt.Sprintf("%s [%s %s](fg:magenta)", stamp, ev.Message.Author.Name, text)
		}
		row := fmt.Sprintf("%s [%s](mod:bold): %s", stamp, ev.Message.Author.Name, text)
		if ev.Historical {
			return fmt.Sprintf("[%s](fg:8)", row)
		}
		return row

	case event.TypeNotice:
		row := fmt.Sprintf("[%s %s](fg:cyan)", stamp, ev.Notice.Text)
		if ev.Notice.Message != nil {
			row += fmt.Sprintf(" %s: %s", ev.Notice.Message.Author.Name, renderBody(ev.Notice.Message, dict))
		}
		return row

	case event.TypeSystem:
		return fmt.Sprintf("[%s %s](fg:8)", stamp, ev.System.Text)

	case event.TypeRedemption:
		return fmt.Sprintf("[%s %s redeemed %s (%d)](fg:yellow)",
			stamp, ev.Redemption.By.Name, ev.Redemption.Reward.Title, ev.Redemption.Reward.Cost)
	}

	return fmt.Sprintf("[%s (unrenderable event)](fg:8)", stamp)
}

func renderBody(msg *event.Message, dict emotes.Dict) string {
	elide := msg.ReplyTo != nil
	var b strings.Builder
	if elide {
		b.WriteString(fmt.Sprintf("[replying to %s] ", msg.ReplyTo.Author.Name))
	}
	for _, seg := range segment.Message(msg, elide, dict) {
		switch seg.Type {
		case segment.TypeText:
			b.WriteString(seg.Content)
		case segment.TypeEmote:
			b.WriteString("[" + seg.Emote.Name + "](fg:green)")
		case segment.TypeURL:
			b.WriteString("[" + seg.URL + "](fg:blue,mod:underline)")
		}
	}
	return b.String()
}
