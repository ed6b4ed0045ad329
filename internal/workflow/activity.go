// SPDX-License-Identifier: MIT

package workflow

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/evented-go/evented/internal/event"
	"github.com/evented-go/evented/internal/log"
)

// ActivityConfig configures the built-in Activity implementation.
type ActivityConfig struct {
	// BaseDomain is the zone customer subdomains live under, e.g.
	// "tenants.example.net". Verification resolves <subdomain>.<BaseDomain>.
	BaseDomain string
	// LookupTimeout bounds one DNS resolution.
	LookupTimeout time.Duration
	// SMTPAddr is host:port of the outbound mail relay. Empty disables
	// delivery; invites are then logged instead of sent.
	SMTPAddr string
	// MailFrom is the envelope sender for invite mail.
	MailFrom string
}

func (c *ActivityConfig) withDefaults() {
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}
	if c.MailFrom == "" {
		c.MailFrom = "no-reply@" + c.BaseDomain
	}
}

// ProviderActivity is the production Activity: DNS for subdomain checks and
// plain SMTP for invite mail.
type ProviderActivity struct {
	cfg      ActivityConfig
	resolver *net.Resolver
	logger   zerolog.Logger
}

// NewProviderActivity creates the default Activity implementation.
func NewProviderActivity(cfg ActivityConfig) *ProviderActivity {
	cfg.withDefaults()
	return &ProviderActivity{
		cfg:      cfg,
		resolver: net.DefaultResolver,
		logger:   log.WithComponent("workflow.activity"),
	}
}

// VerifySubdomain succeeds when the customer subdomain resolves inside the
// configured base domain.
func (a *ProviderActivity) VerifySubdomain(ctx context.Context, organizationID, subdomain string) error {
	if a.cfg.BaseDomain == "" {
		return fmt.Errorf("no base domain configured; cannot verify %q", subdomain)
	}
	host := subdomain + "." + a.cfg.BaseDomain

	ctx, cancel := context.WithTimeout(ctx, a.cfg.LookupTimeout)
	defer cancel()

	addrs, err := a.resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	a.logger.Debug().
		Str(log.FieldStreamID, organizationID).
		Str("host", host).
		Int("addresses", len(addrs)).
		Msg("subdomain resolved")
	return nil
}

// SendInviteEmail delivers the invite mail through the configured relay.
// Without a relay the invite is logged so local setups stay functional.
func (a *ProviderActivity) SendInviteEmail(ctx context.Context, userID string, invite event.UserInvited) error {
	if a.cfg.SMTPAddr == "" {
		a.logger.Info().
			Str(log.FieldStreamID, userID).
			Str("invite_id", invite.InviteID).
			Str("email", invite.Email).
			Msg("mail relay not configured; invite logged only")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := strings.Join([]string{
		"From: " + a.cfg.MailFrom,
		"To: " + invite.Email,
		"Subject: You have been invited",
		"",
		"You have been invited. Invite reference: " + invite.InviteID,
		"",
	}, "\r\n")

	if err := smtp.SendMail(a.cfg.SMTPAddr, nil, a.cfg.MailFrom, []string{invite.Email}, []byte(msg)); err != nil {
		return fmt.Errorf("send invite mail via %s: %w", a.cfg.SMTPAddr, err)
	}
	return nil
}
