package provisioning

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Message templates.
const (
	TemplatePaymentSucceeded    = "payment_succeeded"
	TemplateSubscriptionExpired = "subscription_expired"
)

// MessageData is the data available to message templates.
type MessageData struct {
	EndAt           time.Time
	InviteLink      string
	InviteExpiresAt time.Time
}

// Renderer renders user messages in Telegram HTML.
type Renderer struct {
	templates map[string]*template.Template
	location  *time.Location
}

// NewRenderer loads the embedded templates. Times are shown in loc, UTC when nil.
func NewRenderer(loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &Renderer{
		templates: make(map[string]*template.Template),
		location:  loc,
	}

	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string { return t.In(r.location).Format("02.01.2006") },
		"formatTime": func(t time.Time) string { return t.In(r.location).Format("02.01.2006 15:04 MST") },
		"escapeHTML": html.EscapeString,
	}

	for _, name := range []string{TemplatePaymentSucceeded, TemplateSubscriptionExpired} {
		filename := fmt.Sprintf("templates/%s.tmpl", name)
		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}
		tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", filename, err)
		}
		r.templates[name] = tmpl
	}

	return r, nil
}

// Render executes the named template.
func (r *Renderer) Render(name string, data MessageData) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return buf.String(), nil
}
