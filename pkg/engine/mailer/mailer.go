// Package mailer queues notification mail and delivers it from a single
// background worker. Every message gets a fresh SMTP connection; the
// license hosts sit behind relays that drop idle sessions.
package mailer

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/flexwatch/flexwatch/pkg/config"
	"github.com/flexwatch/flexwatch/pkg/metrics"
)

// Message is one queued notification.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Mailer owns the queue and the delivery worker. A nil message is the
// shutdown sentinel; Terminate enqueues it and waits for the drain.
type Mailer struct {
	cfg   config.MailerConfig
	log   *slog.Logger
	queue chan *Message
	done  chan struct{}
	send  func(*Message) error
}

type Option func(*Mailer)

func WithLogger(l *slog.Logger) Option { return func(m *Mailer) { m.log = l } }

// withSendFunc replaces SMTP delivery, for tests.
func withSendFunc(fn func(*Message) error) Option { return func(m *Mailer) { m.send = fn } }

func New(cfg config.MailerConfig, opts ...Option) (*Mailer, error) {
	if cfg.FromAddr == "" {
		return nil, fmt.Errorf("mailer from address required: %w", config.ErrInvalidConfiguration)
	}
	m := &Mailer{
		cfg:   cfg,
		log:   slog.Default(),
		queue: make(chan *Message, 64),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.send == nil {
		m.send = m.smtpSend
	}
	return m, nil
}

// Start launches the delivery worker.
func (m *Mailer) Start() {
	go m.worker()
}

// Enqueue queues msg for delivery. Blocks when the queue is full.
func (m *Mailer) Enqueue(msg *Message) {
	if msg == nil {
		return
	}
	m.queue <- msg
}

// Terminate enqueues the shutdown sentinel and blocks until every queued
// message has been handled.
func (m *Mailer) Terminate() {
	m.queue <- nil
	<-m.done
}

// Timeout returns the configured SMTP connection timeout.
func (m *Mailer) Timeout() time.Duration { return m.cfg.SMTPTimeout }

func (m *Mailer) worker() {
	defer close(m.done)
	for msg := range m.queue {
		if msg == nil {
			return
		}
		m.deliver(msg)
	}
}

func (m *Mailer) deliver(msg *Message) {
	if m.cfg.Mock {
		if len(m.cfg.AdminAddrs) == 0 {
			m.log.Warn("mock mode with no admin addresses, dropping mail", "subject", msg.Subject)
			return
		}
		msg.To = slices.Clone(m.cfg.AdminAddrs)
	}
	if len(msg.To) == 0 {
		m.log.Warn("message without recipients dropped", "subject", msg.Subject)
		return
	}
	if !m.cfg.SendMails {
		m.log.Info("mail sending disabled", "to", msg.To, "subject", msg.Subject)
		return
	}

	if err := m.send(msg); err != nil {
		m.log.Error("mail delivery failed", "to", msg.To, "subject", msg.Subject, "error", err)
		metrics.RecordMailError()
		return
	}
	metrics.RecordMailSent()
	m.log.Debug("mail sent", "to", msg.To, "subject", msg.Subject)
}

// smtpSend opens a fresh connection, sends one message and closes.
func (m *Mailer) smtpSend(msg *Message) error {
	mm := mail.NewMsg()
	if err := mm.FromFormat(m.cfg.FromName, m.cfg.FromAddr); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if err := mm.To(msg.To...); err != nil {
		return fmt.Errorf("to addresses: %w", err)
	}
	mm.Subject(msg.Subject)
	mm.SetBodyString(mail.TypeTextPlain, msg.Body)

	opts := []mail.Option{
		mail.WithPort(m.cfg.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.cfg.SMTPTimeout > 0 {
		opts = append(opts, mail.WithTimeout(m.cfg.SMTPTimeout))
	}
	client, err := mail.NewClient(m.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSend(mm)
}
