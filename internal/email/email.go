// Package email sends the two transactional notices this service
// produces: an admin note for every new subscriber, and a confirmation
// to the subscriber when their first renewal is deferred.
package email

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"
)

type Client struct {
	mg         mailgun.Mailgun
	sender     string
	adminEmail string
}

func NewClient(domain, apiKey, sender, adminEmail string) *Client {
	var mg mailgun.Mailgun
	if domain != "" && apiKey != "" {
		mg = mailgun.NewMailgun(domain, apiKey)
	}
	return &Client{
		mg:         mg,
		sender:     sender,
		adminEmail: adminEmail,
	}
}

// Configured returns true if the Mailgun credentials are set.
func (c *Client) Configured() bool {
	return c.mg != nil
}

// SetAPIBase points the underlying Mailgun client at a different API
// endpoint. Used by tests.
func (c *Client) SetAPIBase(u string) {
	if c.mg != nil {
		c.mg.SetAPIBase(u)
	}
}

func adminNoticeBodies(name, startsWith string) (subject, text, html string) {
	subject = "New Subscriber"
	text = fmt.Sprintf(
		"Hey, you've got a new subscriber.\n\n%s is their name. Their subscription starts with the %s issue.\n\nYou'll find more details in the subscriber table.",
		name, startsWith,
	)
	html = fmt.Sprintf(
		"<p>Hey, you've got a new subscriber.</p><p>%s is their name. Their subscription starts with the %s issue.</p><p>You'll find more details in the subscriber table.</p>",
		name, startsWith,
	)
	return subject, text, html
}

func deferralNoticeBodies(name string, firstCharge time.Time) (subject, text, html string) {
	date := firstCharge.Format("2 January 2006")
	subject = "Your subscription is confirmed"
	text = fmt.Sprintf(
		"Hi %s,\n\nThanks for subscribing. Your subscription begins with the next issue, and your card won't be charged until %s.\n\nIf anything looks wrong, just reply to this email.",
		name, date,
	)
	html = fmt.Sprintf(
		"<p>Hi %s,</p><p>Thanks for subscribing. Your subscription begins with the next issue, and your card won't be charged until %s.</p><p>If anything looks wrong, just reply to this email.</p>",
		name, date,
	)
	return subject, text, html
}

// SendAdminNotice tells the admin address about a new subscriber.
func (c *Client) SendAdminNotice(ctx context.Context, name, startsWith string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured")
	}
	if c.adminEmail == "" {
		return fmt.Errorf("no admin email configured")
	}

	subject, text, html := adminNoticeBodies(name, startsWith)
	msg := c.mg.NewMessage(c.sender, subject, text, c.adminEmail)
	msg.SetHtml(html)

	if _, _, err := c.mg.Send(ctx, msg); err != nil {
		return fmt.Errorf("send admin notice: %w", err)
	}
	return nil
}

// SendDeferralNotice confirms to the subscriber that their first charge
// is deferred to firstCharge.
func (c *Client) SendDeferralNotice(ctx context.Context, to, name string, firstCharge time.Time) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured")
	}

	subject, text, html := deferralNoticeBodies(name, firstCharge)
	msg := c.mg.NewMessage(c.sender, subject, text, to)
	msg.SetHtml(html)

	if _, _, err := c.mg.Send(ctx, msg); err != nil {
		return fmt.Errorf("send deferral notice: %w", err)
	}
	return nil
}
