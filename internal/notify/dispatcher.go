package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"loops/api/internal/logging"
)

type Mailer interface {
	SendHTMLEmail(to []string, subject, htmlBody string) error
}

// Directory resolves user ids to email addresses.
type Directory interface {
	Emails(ctx context.Context, userIDs []string) ([]string, error)
}

// CommentNotice describes a committed comment. RecipientIDs should already
// exclude the author.
type CommentNotice struct {
	LoopID       string
	LoopTitle    string
	CommentID    string
	AuthorName   string
	Content      string
	RecipientIDs []string
}

// Dispatcher delivers notices on a background worker. Enqueueing never
// blocks; a full queue drops the notice with a warning.
type Dispatcher struct {
	mailer    Mailer
	directory Directory
	baseURL   string
	timeout   time.Duration
	log       *zap.Logger

	queue     chan CommentNotice
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewDispatcher(mailer Mailer, directory Directory, baseURL string, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		mailer:    mailer,
		directory: directory,
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   10 * time.Second,
		log:       logging.OrNop(log),
		queue:     make(chan CommentNotice, 256),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) NotifyComment(n CommentNotice) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.log.Warn("notification queue full, dropping", zap.String("comment_id", n.CommentID))
	}
}

// Close stops accepting notices and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		if err := d.deliver(n); err != nil {
			d.log.Error("notification dispatch failed",
				zap.String("loop_id", n.LoopID),
				zap.String("comment_id", n.CommentID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) deliver(n CommentNotice) error {
	if d.mailer == nil || len(n.RecipientIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	to := n.RecipientIDs
	if d.directory != nil {
		emails, err := d.directory.Emails(ctx, n.RecipientIDs)
		if err != nil {
			return fmt.Errorf("resolve recipients: %w", err)
		}
		to = emails
	}
	if len(to) == 0 {
		return nil
	}

	html, err := renderComment(commentEmailData{
		AuthorName: n.AuthorName,
		LoopTitle:  n.LoopTitle,
		Excerpt:    excerpt(n.Content, 280),
		LoopURL:    d.baseURL + "/loops/" + n.LoopID,
	})
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("New comment on %s", n.LoopTitle)
	if err := d.mailer.SendHTMLEmail(to, subject, html); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func excerpt(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
