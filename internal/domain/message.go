package domain

import (
	"strings"
	"time"
)

// Message roles.
const (
	RoleUserMessage      = "user"
	RoleAssistantMessage = "assistant"
)

// Content part types.
const (
	PartText  = "text"
	PartImage = "image"
)

// ContentPart is one piece of a mixed text/image message.
// Image data is base64 encoded, optionally with a data: URL prefix.
type ContentPart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Message is one turn record in the conversation history.
type Message struct {
	Role      string        `json:"role"`
	Parts     []ContentPart `json:"parts"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewUserMessage builds a plain-text user message.
func NewUserMessage(text string, at time.Time) Message {
	return Message{Role: RoleUserMessage, Parts: []ContentPart{{Type: PartText, Text: text}}, CreatedAt: at}
}

// NewAssistantMessage builds a plain-text assistant message.
func NewAssistantMessage(text string, at time.Time) Message {
	return Message{Role: RoleAssistantMessage, Parts: []ContentPart{{Type: PartText, Text: text}}, CreatedAt: at}
}

// Text joins the text parts of the message.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Images returns the image parts of the message.
func (m Message) Images() []ContentPart {
	var images []ContentPart
	for _, p := range m.Parts {
		if p.Type == PartImage && p.Data != "" {
			images = append(images, p)
		}
	}
	return images
}

func (m Message) clone() Message {
	m.Parts = append([]ContentPart(nil), m.Parts...)
	return m
}
