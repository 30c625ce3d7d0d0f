package bot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/susu3304/kifubot/internal/commands"
)

const announceQueueSize = 16

// announcer posts round results to one channel from its own goroutine, so a
// slow Discord edge never holds up a submission.
type announcer struct {
	session   messageSender
	channelID string
	logger    *zap.Logger

	queue    chan announcement
	stopChan chan struct{}
	done     chan struct{}

	attemptTimeout time.Duration
	maxAttempts    uint
	initial        time.Duration
}

type announcement struct {
	sessionID string
	round     int
	summary   string
}

// Minimal session interface for sending channel messages.
type messageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

func newAnnouncer(session messageSender, channelID string, logger *zap.Logger) *announcer {
	return &announcer{
		session:        session,
		channelID:      channelID,
		logger:         logger,
		queue:          make(chan announcement, announceQueueSize),
		stopChan:       make(chan struct{}),
		done:           make(chan struct{}),
		attemptTimeout: 12 * time.Second,
		maxAttempts:    3,
		initial:        500 * time.Millisecond,
	}
}

func (a *announcer) start() {
	if a == nil {
		return
	}
	go a.loop()
}

// stop lets queued announcements finish sending, then returns.
func (a *announcer) stop() {
	if a == nil {
		return
	}
	close(a.stopChan)
	<-a.done
}

func (a *announcer) enqueue(sessionID string, round int, summary string) {
	if a == nil {
		return
	}
	select {
	case a.queue <- announcement{sessionID: sessionID, round: round, summary: summary}:
	default:
		a.logger.Warn("Announcement queue full, dropping round summary",
			zap.String("session", sessionID),
			zap.Int("round", round))
	}
}

func (a *announcer) loop() {
	defer close(a.done)
	ctx := context.Background()
	for {
		select {
		case msg := <-a.queue:
			a.post(ctx, msg)
		case <-a.stopChan:
			for {
				select {
				case msg := <-a.queue:
					a.post(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (a *announcer) post(ctx context.Context, msg announcement) {
	content := fmt.Sprintf("Session %s\n%s", msg.sessionID, msg.summary)
	for _, chunk := range commands.SplitMessage(content, commands.MessageLimit) {
		if err := a.sendWithRetry(ctx, chunk); err != nil {
			a.logger.Error("Failed to announce round results",
				zap.String("session", msg.sessionID),
				zap.Int("round", msg.round),
				zap.String("channel", a.channelID),
				zap.Error(err))
			return
		}
	}
	a.logger.Info("Announced round results",
		zap.String("session", msg.sessionID),
		zap.Int("round", msg.round))
}

func (a *announcer) sendWithRetry(ctx context.Context, content string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initial

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, a.attemptTimeout)
		defer cancel()
		_, err := a.session.ChannelMessageSend(a.channelID, content, discordgo.WithContext(sendCtx))
		if err != nil && !isTemporaryOrTimeout(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(a.maxAttempts),
	)
	return err
}

func isTemporaryOrTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode >= http.StatusInternalServerError || re.Response.StatusCode == http.StatusTooManyRequests
	}
	return false
}
