// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

// Package mail sends plain-text notification mails via SMTP.
package mail

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ccwienk-org/cc-utils/model"
)

// maxRecipients caps the recipient list of a single notification.
const maxRecipients = 50

// Mailer sends mails through the relay described by an EmailConfig.
type Mailer struct {
	cfg *model.EmailConfig

	// sendMail is replaceable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailer returns a Mailer for the given relay configuration.
func NewMailer(cfg *model.EmailConfig) *Mailer {
	m := &Mailer{cfg: cfg}
	if cfg.UseTLS {
		m.sendMail = sendMailTLS
	} else {
		m.sendMail = smtp.SendMail
	}
	return m
}

// Send delivers a plain-text mail to the given recipients. Recipient
// addresses are lower-cased and de-duplicated; at most maxRecipients are
// served.
func (m *Mailer) Send(recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients given")
	}
	if subject == "" {
		return fmt.Errorf("no subject given")
	}

	normalised := sets.NewString()
	for _, recipient := range recipients {
		normalised.Insert(strings.ToLower(recipient))
	}
	to := normalised.List()
	sort.Strings(to)
	if len(to) > maxRecipients {
		to = to[:maxRecipients]
	}

	msg := buildMessage(m.cfg.SenderName, to, subject, body)

	var auth smtp.Auth
	if m.cfg.Credentials.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Credentials.Username, m.cfg.Credentials.Password, m.cfg.Host)
	}
	if err := m.sendMail(m.cfg.Address(), auth, m.cfg.SenderName, to, msg); err != nil {
		return fmt.Errorf("unable to send mail via %s: %w", m.cfg.Address(), err)
	}
	return nil
}

func buildMessage(sender string, to []string, subject, body string) []byte {
	headers := []string{
		"From: " + sender,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="utf-8"`,
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body + "\r\n")
}

// sendMailTLS is smtp.SendMail over an implicit-TLS connection.
func sendMailTLS(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host := addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		host = addr[:idx]
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if a != nil {
		if err := client.Auth(a); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return err
		}
	}
	writer, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := writer.Write(msg); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return client.Quit()
}
