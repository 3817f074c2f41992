package sender

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
)

// Draft is a snapshot of the compose input.
type Draft struct {
	Text        string
	Attachments []chat.Attachment
}

func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && len(d.Attachments) == 0
}

// Composer is the compose input of one conversation.
type Composer struct {
	mu          sync.Mutex
	text        string
	attachments []chat.Attachment
}

func NewComposer() *Composer { return &Composer{} }

func (c *Composer) SetText(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = s
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Attach validates each file against the MIME allow-list and keeps the
// accepted ones. Every rejected file comes back as a *chat.RejectedFileError.
func (c *Composer) Attach(paths ...string) []error {
	var notices []error
	var accepted []chat.Attachment
	for _, p := range paths {
		a, err := chat.OpenAttachment(p)
		if err != nil {
			notices = append(notices, err)
			continue
		}
		accepted = append(accepted, a)
	}

	c.mu.Lock()
	c.attachments = append(c.attachments, accepted...)
	c.mu.Unlock()
	return notices
}

// AttachAs attaches the file at path under a MIME type declared by the
// caller instead of the sniffed one. The declared type must be allowed.
func (c *Composer) AttachAs(path, mimeType string) error {
	name := filepath.Base(path)
	fi, err := os.Stat(path)
	if err != nil {
		return &chat.RejectedFileError{FileName: name, MimeType: mimeType, Reason: "cannot read file"}
	}
	if fi.IsDir() {
		return &chat.RejectedFileError{FileName: name, MimeType: mimeType, Reason: "is a directory"}
	}
	return c.addAttachment(chat.Attachment{FileName: name, MimeType: mimeType, Size: fi.Size(), Path: path})
}

func (c *Composer) addAttachment(a chat.Attachment) error {
	canonical, ok := chat.IsAllowedMimeType(a.MimeType)
	if !ok {
		return &chat.RejectedFileError{FileName: a.FileName, MimeType: a.MimeType, Reason: "file type not allowed"}
	}
	a.MimeType = canonical

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachments = append(c.attachments, a)
	return nil
}

func (c *Composer) RemoveAttachment(fileName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range c.attachments {
		if a.FileName == fileName {
			c.attachments = append(c.attachments[:i:i], c.attachments[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Composer) Draft() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Draft{Text: c.text, Attachments: append([]chat.Attachment(nil), c.attachments...)}
}

func (c *Composer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = ""
	c.attachments = nil
}

// Restore puts d back into the input. Anything typed or attached since d
// was taken is kept after it.
func (c *Composer) Restore(d Draft) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.text == "":
		c.text = d.Text
	case d.Text != "":
		c.text = d.Text + "\n" + c.text
	}
	c.attachments = append(append([]chat.Attachment(nil), d.Attachments...), c.attachments...)
}
