package services

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"feedback-mailer/database"
	"feedback-mailer/utils"
)

// snippetLength is how much feedback content an email quotes.
const snippetLength = 100

// TemplateData fills the notification templates. RecipientName and
// SystemURL are set by the dispatcher.
type TemplateData struct {
	RecipientName   string
	SystemURL       string
	FeedbackID      string
	Content         string
	OldStatus       database.Status
	NewStatus       database.Status
	HandlerName     string
	AdminComment    string
	RevisedProposal string
	Reason          string
	Remaining       int
}

var templateFuncs = template.FuncMap{
	"snippet": func(s string) string { return utils.Truncate(s, snippetLength) },
}

const reminderBody = `Dear {{.RecipientName}},

You still need to submit {{.Remaining}} feedback item(s) today.

Please sign in and submit them before midnight:
{{.SystemURL}}

This message was sent automatically, please do not reply.
`

const statusUpdateBody = `Dear {{.RecipientName}},

The status of your feedback #{{.FeedbackID}} has been updated.

Content: {{snippet .Content}}
Status: {{.OldStatus.Label}} -> {{.NewStatus.Label}}
{{- if .HandlerName}}
Handled by: {{.HandlerName}}
{{- end}}
{{- if .AdminComment}}

Comment:
{{.AdminComment}}
{{- end}}
{{- if .RevisedProposal}}

Revised proposal:
{{.RevisedProposal}}
{{- end}}

View the details at {{.SystemURL}}

This message was sent automatically, please do not reply.
`

const deletionBody = `Dear {{.RecipientName}},

Your feedback #{{.FeedbackID}} has been deleted by {{.HandlerName}}.

Content: {{snippet .Content}}
{{- if .Reason}}
Reason: {{.Reason}}
{{- end}}

If you have questions, please contact the administrator or visit {{.SystemURL}}

This message was sent automatically, please do not reply.
`

type notificationTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Templates renders the fixed message formats for each notification kind.
type Templates struct {
	byKind map[database.NotificationKind]notificationTemplate
}

func mustTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text))
}

// NewTemplates parses the built-in templates.
func NewTemplates() *Templates {
	return &Templates{byKind: map[database.NotificationKind]notificationTemplate{
		database.KindReminder: {
			subject: mustTemplate("reminder.subject", "[Action required] Today's feedback is incomplete"),
			body:    mustTemplate("reminder.body", reminderBody),
		},
		database.KindStatusUpdate: {
			subject: mustTemplate("status.subject", "[Status update] Your feedback #{{.FeedbackID}} is now {{.NewStatus.Label}}"),
			body:    mustTemplate("status.body", statusUpdateBody),
		},
		database.KindDeletion: {
			subject: mustTemplate("deletion.subject", "[Deleted] Your feedback #{{.FeedbackID}} was removed"),
			body:    mustTemplate("deletion.body", deletionBody),
		},
	}}
}

// Render produces the subject and body for kind.
func (t *Templates) Render(kind database.NotificationKind, data TemplateData) (string, string, error) {
	tpl, ok := t.byKind[kind]
	if !ok {
		return "", "", fmt.Errorf("no template for notification kind %q", kind)
	}
	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return "", "", fmt.Errorf("failed to render %s subject: %w", kind, err)
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("failed to render %s body: %w", kind, err)
	}
	return strings.TrimSpace(subject.String()), body.String(), nil
}
