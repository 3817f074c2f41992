package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/timeline"
)

const previewLen = 48

func statusMark(s chat.Status) string {
	switch s {
	case chat.StatusSending:
		return "..."
	case chat.StatusSeen:
		return "vv"
	case chat.StatusSent:
		return "v"
	}
	return ""
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > previewLen {
		return string(r[:previewLen-1]) + "…"
	}
	return text
}

// writeSummary prints one inbox row.
func writeSummary(w io.Writer, c chat.ConversationSummary, me chat.UserID, now time.Time) {
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d new)", c.UnreadCount)
	}
	line := "no messages yet"
	when := ""
	if m := c.LastMessage; m != nil {
		who := c.OtherUser.Name
		if m.Sender == me {
			who = "you"
		}
		text := preview(m.Text)
		if text == "" && m.HasAttachments {
			text = "[attachment]"
		}
		line = who + ": " + text
		when = humanize.RelTime(m.CreatedAt, now, "ago", "from now")
	}
	fmt.Fprintf(w, "%-20s %s%s\n    %s  %s\n", c.ConversationID, c.OtherUser.Name, unread, line, when)
}

// writeEntry prints one timeline row with its attachments.
func writeEntry(w io.Writer, e timeline.Entry, me chat.UserID, peer chat.UserRef, now time.Time) {
	who := peer.Name
	if who == "" {
		who = string(e.Sender)
	}
	mark := ""
	if e.IsMine(me) {
		who = "you"
		mark = " " + statusMark(e.Status)
	}
	edited := ""
	if e.EditedAt != nil {
		edited = " (edited)"
	}
	fmt.Fprintf(w, "[%s] %s: %s%s%s\n", humanize.RelTime(e.CreatedAt, now, "ago", "from now"), who, e.Text, edited, mark)
	for _, a := range e.Attachments {
		fmt.Fprintf(w, "    + %s %s (%s)\n", a.FileName, a.MimeType, humanize.Bytes(uint64(a.Size)))
	}
}
