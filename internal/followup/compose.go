package followup

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/mtzanidakis/parley/internal/protocol"
)

// Invitation is what a composer knows about a confirmed meeting.
type Invitation struct {
	ConversationID string
	Host           string
	Slot           protocol.TimeSlot
	Attendees      []string
	Capabilities   []string
	Rounds         int
}

type Message struct {
	Subject string
	Body    string
}

// Composer writes the invitation text. Implementations may call out to a
// language model or a mail template service; nothing is sent.
type Composer interface {
	Compose(ctx context.Context, inv Invitation) (Message, error)
}

const defaultSubject = `Meeting on {{.Slot.Start.Format "Mon Jan 2 15:04 MST"}}`

const defaultBody = `Hello {{join ", " .Attendees}},

{{.Host}} has scheduled a meeting from {{.Slot.Start.Format "15:04"}} to {{.Slot.End.Format "15:04 MST"}} on {{.Slot.Start.Format "Monday, January 2 2006"}} ({{duration .Slot}}).
{{- if gt .Rounds 1}}
The time was agreed after {{.Rounds}} rounds.
{{- end}}
{{- if .Capabilities}}
Attending capabilities: {{join ", " .Capabilities}}.
{{- end}}

Reference: {{.ConversationID}}
`

// TemplateComposer renders invitations from text/template sources.
type TemplateComposer struct {
	subject *template.Template
	body    *template.Template
}

var funcs = template.FuncMap{
	"join": func(sep string, items []string) string { return strings.Join(items, sep) },
	"duration": func(s protocol.TimeSlot) string {
		return s.Duration().Round(time.Minute).String()
	},
}

// NewTemplateComposer parses the given templates. Empty sources fall back to
// the built-in invitation.
func NewTemplateComposer(subject, body string) (*TemplateComposer, error) {
	if subject == "" {
		subject = defaultSubject
	}
	if body == "" {
		body = defaultBody
	}
	st, err := template.New("subject").Funcs(funcs).Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	bt, err := template.New("body").Funcs(funcs).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &TemplateComposer{subject: st, body: bt}, nil
}

func (c *TemplateComposer) Compose(_ context.Context, inv Invitation) (Message, error) {
	var subject, body bytes.Buffer
	if err := c.subject.Execute(&subject, inv); err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	if err := c.body.Execute(&body, inv); err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	return Message{
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
	}, nil
}
