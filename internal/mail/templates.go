package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"
)

const baseLayout = `{{define "base"}}<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
<h2>{{.AppName}}</h2>
<p>Hello {{if .Name}}{{.Name}}{{else}}there{{end}},</p>
{{template "content" .}}
<p style="color: #888; font-size: 12px;">This link expires at {{.ExpiresAt}}. If you did not request this, you can ignore this email.</p>
</body>
</html>{{end}}`

const passwordResetContent = `{{define "content"}}<p>We received a request to reset your password.</p>
<p><a href="{{.ActionURL}}">Choose a new password</a></p>{{end}}`

const emailVerificationContent = `{{define "content"}}<p>Please confirm your email address to activate your account.</p>
<p><a href="{{.ActionURL}}">Verify email</a></p>{{end}}`

// TokenMail is the data needed to render a token-bearing email.
type TokenMail struct {
	Email     string
	Name      string
	Token     string
	ExpiresAt time.Time
}

type templateData struct {
	AppName   string
	Name      string
	ActionURL string
	ExpiresAt string
}

// Templates renders account emails with links rooted at the public URL.
type Templates struct {
	appName       string
	publicURL     string
	passwordReset *template.Template
	verification  *template.Template
}

// NewTemplates parses the built-in templates.
func NewTemplates(appName, publicURL string) (*Templates, error) {
	reset, err := parse("password_reset", passwordResetContent)
	if err != nil {
		return nil, err
	}
	verify, err := parse("email_verification", emailVerificationContent)
	if err != nil {
		return nil, err
	}
	return &Templates{
		appName:       appName,
		publicURL:     strings.TrimRight(publicURL, "/"),
		passwordReset: reset,
		verification:  verify,
	}, nil
}

func parse(name, content string) (*template.Template, error) {
	tpl, err := template.New(name).Parse(baseLayout)
	if err != nil {
		return nil, fmt.Errorf("parse %s layout: %w", name, err)
	}
	if _, err := tpl.Parse(content); err != nil {
		return nil, fmt.Errorf("parse %s content: %w", name, err)
	}
	return tpl, nil
}

// PasswordReset renders the reset email. The link carries token and email
// because the reset form asks for both.
func (t *Templates) PasswordReset(data TokenMail) (Message, error) {
	q := url.Values{}
	q.Set("token", data.Token)
	q.Set("email", data.Email)
	link := t.publicURL + "/reset-password?" + q.Encode()
	return t.render(t.passwordReset, "Reset your password", link, data)
}

// EmailVerification renders the verification email.
func (t *Templates) EmailVerification(data TokenMail) (Message, error) {
	q := url.Values{}
	q.Set("token", data.Token)
	link := t.publicURL + "/auth/verify-email?" + q.Encode()
	return t.render(t.verification, "Verify your email address", link, data)
}

func (t *Templates) render(tpl *template.Template, subject, link string, data TokenMail) (Message, error) {
	var buf bytes.Buffer
	err := tpl.ExecuteTemplate(&buf, "base", templateData{
		AppName:   t.appName,
		Name:      data.Name,
		ActionURL: link,
		ExpiresAt: data.ExpiresAt.UTC().Format(time.RFC1123),
	})
	if err != nil {
		return Message{}, fmt.Errorf("render %s: %w", tpl.Name(), err)
	}
	return Message{
		To:       data.Email,
		Subject:  subject,
		HTMLBody: buf.String(),
	}, nil
}
