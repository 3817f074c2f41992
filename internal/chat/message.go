package chat

import "time"

// UserID is the authenticated identity. It is the only key used to decide
// whether a message is mine.
type UserID string

type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusSeen    Status = "seen"
)

type UserRef struct {
	ID     UserID `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Attachment is a local file handle before send (Path set) and a server
// URL after (URL set).
type Attachment struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Path     string `json:"-"`
}

func (a Attachment) IsLocal() bool { return a.URL == "" && a.Path != "" }

type Message struct {
	ID             string       `json:"_id"`
	ConversationID string       `json:"conversationId"`
	Sender         UserID       `json:"sender"`
	Receiver       UserID       `json:"receiver"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments"`
	CreatedAt      time.Time    `json:"createdAt"`
	Status         Status       `json:"status"`

	// ClientID is the temporary id the sender used for its optimistic entry.
	ClientID string     `json:"clientId,omitempty"`
	EditedAt *time.Time `json:"editedAt,omitempty"`
}

func (m Message) IsMine(me UserID) bool { return me != "" && m.Sender == me }

func (m Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:             m.ID,
		Text:           m.Text,
		Sender:         m.Sender,
		CreatedAt:      m.CreatedAt,
		HasAttachments: len(m.Attachments) > 0,
	}
}

type MessageSummary struct {
	ID             string    `json:"_id,omitempty"`
	Text           string    `json:"text"`
	Sender         UserID    `json:"sender"`
	CreatedAt      time.Time `json:"createdAt"`
	HasAttachments bool      `json:"hasAttachments,omitempty"`
}

type Conversation struct {
	ID           string          `json:"_id"`
	Participants []UserRef       `json:"participants"`
	LastMessage  *MessageSummary `json:"lastMessage"`
	UnreadCount  int             `json:"unreadCount"`
	TaskID       string          `json:"taskId,omitempty"`
	ProposalID   string          `json:"proposalId,omitempty"`
}

// Other returns the participant that is not me. The zero value is returned
// when the conversation is not loaded.
func (c Conversation) Other(me UserID) UserRef {
	for _, p := range c.Participants {
		if p.ID != me {
			return p
		}
	}
	return UserRef{}
}

func (c Conversation) Has(u UserID) bool {
	for _, p := range c.Participants {
		if p.ID == u {
			return true
		}
	}
	return false
}

// ConversationSummary is one inbox row as returned by GET /conversations.
type ConversationSummary struct {
	ConversationID string          `json:"conversationId"`
	OtherUser      UserRef         `json:"otherUser"`
	LastMessage    *MessageSummary `json:"lastMessage"`
	UnreadCount    int             `json:"unreadCount"`
}

type StartRequest struct {
	ToUserID   UserID `json:"toUserId"`
	TaskID     string `json:"taskId,omitempty"`
	ProposalID string `json:"proposalId,omitempty"`
}

// StartResult is either a freshly created conversation or, when one already
// exists with the same participant, a pointer to it.
type StartResult struct {
	Conversation
	ExistingConversation bool   `json:"existingConversation,omitempty"`
	IsDifferentContext   bool   `json:"isDifferentContext,omitempty"`
	RecipientName        string `json:"recipientName,omitempty"`
}

// Outgoing is what the send pipeline submits.
type Outgoing struct {
	ConversationID string
	Receiver       UserID
	Text           string
	Attachments    []Attachment
	ClientID       string
}
