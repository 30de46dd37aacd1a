package bot

import (
	"context"
	"fmt"

	"github.com/glutchdiscord-alt/goofguard/internal/verification"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// DMDeliverer sends challenge codes by direct message. Sends are throttled
// so a burst of joins cannot trip the platform's DM rate limit.
type DMDeliverer struct {
	limiter *rate.Limiter
	send    func(ctx context.Context, userID, content string) error
}

func NewDMDeliverer(session *discordgo.Session, perSecond float64, burst int) *DMDeliverer {
	return newDMDeliverer(perSecond, burst, func(ctx context.Context, userID, content string) error {
		channel, err := session.UserChannelCreate(userID, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		_, err = session.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx))
		return err
	})
}

func newDMDeliverer(perSecond float64, burst int, send func(ctx context.Context, userID, content string) error) *DMDeliverer {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &DMDeliverer{limiter: rate.NewLimiter(limit, burst), send: send}
}

func (d *DMDeliverer) DeliverCode(ctx context.Context, pending verification.Pending) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.send(ctx, pending.UserID, challengeMessage(pending))
}

func challengeMessage(pending verification.Pending) string {
	msg := fmt.Sprintf("Your verification code is **%s**. Reply here with the code to get access.", pending.Code)
	if pending.MaxAttempts > 0 {
		msg += fmt.Sprintf(" You have %d attempts.", pending.Remaining())
	}
	if !pending.ExpiresAt.IsZero() {
		msg += fmt.Sprintf(" It expires <t:%d:R>.", pending.ExpiresAt.Unix())
	}
	return msg
}
