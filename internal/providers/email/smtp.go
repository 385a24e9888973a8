package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/smtp"
)

//go:embed templates/*.html
var templateFS embed.FS

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPProvider struct {
	cfg  Config
	tmpl *template.Template
}

func NewSMTP(cfg Config) (*SMTPProvider, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}
	return &SMTPProvider{cfg: cfg, tmpl: tmpl}, nil
}

func (p *SMTPProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	mime := "MIME-version: 1.0;\nContent-Type: text/html; charset=\"UTF-8\";\n\n"
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n%s\r\n%s", to[0], subject, mime, htmlBody))

	return smtp.SendMail(addr, auth, p.cfg.From, to, msg)
}

func (p *SMTPProvider) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	var body bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&body, templateName+".html", data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	subject := defaultSubject(templateName, data)
	if subj, ok := data["subject"].(string); ok && subj != "" {
		subject = subj
	}

	return p.Send(ctx, to, subject, body.String())
}

func defaultSubject(templateName string, data map[string]any) string {
	invoice, _ := data["invoice_id"].(string)
	switch templateName {
	case "invoice_new":
		return fmt.Sprintf("New invoice #%s", invoice)
	case "invoice_reminder":
		return fmt.Sprintf("Payment reminder for invoice #%s", invoice)
	case "autodebit_upcoming":
		return fmt.Sprintf("Upcoming automatic payment for invoice #%s", invoice)
	case "service_suspended":
		return "Your service has been suspended"
	case "service_unsuspended":
		return "Your service has been reinstated"
	default:
		return "Billing notification"
	}
}
