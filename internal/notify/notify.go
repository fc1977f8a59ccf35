package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/repo"
)

// Message is one rendered notification ready for delivery.
type Message struct {
	To            []string `json:"to"`
	From          string   `json:"from,omitempty"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	Template      string   `json:"template"`
	RecipientRole string   `json:"recipient_role"`
	DocumentPK    string   `json:"document_pk"`
	DocumentKind  string   `json:"document_kind"`
	ProjectPK     string   `json:"project_pk"`
}

// Sender delivers a rendered message. The default sender only logs; real
// transport lives outside this service.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the structured log instead of sending them.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification",
		"to", strings.Join(msg.To, ","),
		"subject", msg.Subject,
		"template", msg.Template,
		"document", msg.DocumentPK,
		"kind", msg.DocumentKind)
	return nil
}

// Dispatcher resolves recipients, renders the configured template and hands
// the message to the Sender. It runs after the transition committed; any
// failure is logged and never propagated back into the workflow.
type Dispatcher struct {
	Repo   repo.Repo
	Config *config.Config
	Sender Sender
	Log    *slog.Logger
}

func NewDispatcher(r repo.Repo, cfg *config.Config) *Dispatcher {
	return &Dispatcher{Repo: r, Config: cfg, Sender: LogSender{}}
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// DocumentTransition dispatches the notify effect of a committed transition.
func (d *Dispatcher) DocumentTransition(ctx context.Context, env domain.DocumentEnvelope, project domain.Project, recipientRole, template string) {
	if d.Config != nil && !d.Config.Notifications.Enabled {
		return
	}
	msg, err := d.Compose(ctx, env, project, recipientRole, template)
	if err != nil {
		d.log().Warn("notification skipped", "document", env.PK, "template", template, "err", err)
		return
	}
	sender := d.Sender
	if sender == nil {
		sender = LogSender{Log: d.Log}
	}
	if err := sender.Send(ctx, msg); err != nil {
		d.log().Warn("notification delivery failed", "document", env.PK, "template", template, "err", err)
	}
}

// Compose resolves the role's current holders and renders the template.
func (d *Dispatcher) Compose(ctx context.Context, env domain.DocumentEnvelope, project domain.Project, recipientRole, template string) (Message, error) {
	msg := Message{
		Template:      template,
		RecipientRole: recipientRole,
		DocumentPK:    env.PK,
		DocumentKind:  string(env.Kind),
		ProjectPK:     env.ProjectPK,
	}
	recipients, err := d.recipients(ctx, project, recipientRole)
	if err != nil {
		return msg, err
	}
	if len(recipients) == 0 {
		return msg, fmt.Errorf("no recipients hold role %s", recipientRole)
	}
	for _, userPK := range recipients {
		u, err := d.Repo.GetUser(ctx, userPK)
		if err != nil {
			return msg, err
		}
		if u.Email != "" {
			msg.To = append(msg.To, u.Email)
		}
	}
	if len(msg.To) == 0 {
		return msg, fmt.Errorf("role %s holders have no email addresses", recipientRole)
	}
	msg.Subject, msg.Body = d.render(template, env.Kind)
	if d.Config != nil {
		msg.From = d.Config.Notifications.From
	}
	return msg, nil
}

func (d *Dispatcher) recipients(ctx context.Context, project domain.Project, role string) ([]string, error) {
	switch role {
	case "project_lead":
		leader, ok := project.Leader()
		if !ok {
			return nil, nil
		}
		return []string{leader.UserPK}, nil
	case "business_area_lead":
		ba, err := d.Repo.ProjectBusinessArea(ctx, project.PK)
		if err != nil {
			return nil, err
		}
		if ba.LeaderPK == "" {
			return nil, nil
		}
		return []string{ba.LeaderPK}, nil
	case "directorate":
		ba, err := d.Repo.ProjectBusinessArea(ctx, project.PK)
		if err != nil {
			return nil, err
		}
		return d.Repo.ListDirectorateMembers(ctx, ba.DivisionPK)
	}
	return nil, fmt.Errorf("unknown recipient role %s", role)
}

// render looks up the template and substitutes the document kind, applying
// the per-kind body override when one is configured.
func (d *Dispatcher) render(template string, kind domain.DocumentKind) (subject, body string) {
	subject = template
	body = ""
	if d.Config == nil {
		return subject, body
	}
	tpl, ok := d.Config.Notifications.Templates[template]
	if !ok {
		return subject, body
	}
	subject = tpl.Subject
	body = tpl.Body
	if override, ok := tpl.KindOverrides[string(kind)]; ok {
		body = override
	}
	body = strings.ReplaceAll(body, "{kind}", string(kind))
	subject = strings.ReplaceAll(subject, "{kind}", string(kind))
	return subject, body
}
