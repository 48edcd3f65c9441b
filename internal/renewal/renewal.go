// Package renewal holds the billing-anchor policy for magazine
// subscriptions: every subscriber, whenever they sign up, renews on the
// next 1 July. A subscriber either starts with the currently shipping
// issue (charged immediately, renewal pushed out afterwards) or with the
// next issue (first charge deferred to the anchor).
package renewal

import (
	"errors"
	"fmt"
	"time"
)

// Start is the subscriber's declared choice of first issue.
type Start string

const (
	StartCurrent Start = "current"
	StartNext    Start = "next"
)

// MetadataKey is where the declared start lives in the provider-owned
// subscription record. Creation and confirmation run as independent
// invocations, so this is the only correlation between them.
const MetadataKey = "start"

var ErrInvalidIntent = errors.New("start must be \"current\" or \"next\"")

// ParseStart validates a raw start value from an inbound request.
func ParseStart(s string) (Start, error) {
	switch Start(s) {
	case StartCurrent, StartNext:
		return Start(s), nil
	}
	return "", fmt.Errorf("%w: got %q", ErrInvalidIntent, s)
}

// Intent is what a subscriber asked for at signup. Immutable once the
// subscription is created; persisted only as provider metadata.
type Intent struct {
	Start            Start
	PriceID          string
	CustomerRef      string
	PaymentMethodRef string
}

// NextAnchor returns the shared renewal date: 1 July at local noon.
// January through June anchor to 1 July of the same year; July onwards
// rolls to next year, so a request made in July itself already belongs
// to the following cycle.
func NextAnchor(now time.Time) time.Time {
	year := now.Year()
	if now.Month() >= time.July {
		year++
	}
	return time.Date(year, time.July, 1, 12, 0, 0, 0, now.Location())
}

// Directive tells the payment provider how to bill a new subscription.
// Exactly one shape is produced per intent: empty (charge now), trial-end
// deferral, or an explicit cycle anchor with proration disabled.
type Directive struct {
	// TrialEnd defers the first charge to this time (unix seconds).
	TrialEnd int64
	// BillingCycleAnchor pins the cycle to this time (unix seconds) so a
	// stored payment method can be charged automatically at the anchor.
	BillingCycleAnchor int64
	// DisableProration prevents partial-period charges when the cycle is
	// moved administratively.
	DisableProration bool
}

// Empty reports whether the directive leaves billing untouched.
func (d Directive) Empty() bool { return d == Directive{} }

// DeferredUntil returns the deferral timestamp regardless of encoding,
// or zero when the directive is empty.
func (d Directive) DeferredUntil() int64 {
	if d.TrialEnd > 0 {
		return d.TrialEnd
	}
	return d.BillingCycleAnchor
}

// BuildDirective computes the creation-time billing directive for an
// intent. "current" charges immediately with no special billing fields.
// "next" defers the first charge to the anchor: as a trial end when no
// stored payment method is present, or as a billing-cycle anchor with
// proration disabled when one is, so the stored method is charged
// automatically at the anchor without an interactive step.
func BuildDirective(intent Intent, now time.Time) (Directive, error) {
	switch intent.Start {
	case StartCurrent:
		return Directive{}, nil
	case StartNext:
		anchor := NextAnchor(now).Unix()
		if intent.PaymentMethodRef != "" {
			return Directive{BillingCycleAnchor: anchor, DisableProration: true}, nil
		}
		return Directive{TrialEnd: anchor}, nil
	}
	return Directive{}, fmt.Errorf("%w: got %q", ErrInvalidIntent, intent.Start)
}

// Action is the outcome of a confirmation-time reconciliation: either a
// renewal deferral to apply against the provider, or a no-op.
type Action struct {
	SubscriptionID string
	// TrialEnd is the corrected renewal date (unix seconds); zero means
	// leave the subscription alone.
	TrialEnd         int64
	DisableProration bool
	// CreatedAt is the subscription's provider-side creation time,
	// carried along for logging.
	CreatedAt time.Time
	// Malformed flags a declared start that is neither known value.
	Malformed bool
}

// Apply reports whether the action carries a correction to perform.
func (a Action) Apply() bool { return a.TrialEnd > 0 }

// ReconcileOnConfirmation decides the post-payment correction for a
// subscription. A "current" subscriber knowingly paid for the in-progress
// issue, so their renewal is pushed out to the shared anchor with
// proration disabled (the collected payment must not be credited back).
// A "next" subscriber's anchor was already set at creation and must not
// be touched again. Anything else is a no-op with a malformed flag.
//
// The anchor is recomputed from the confirmation time, not the creation
// time: a confirmation delivered after a 1 July boundary lands the
// subscriber in the new cycle, which is the cycle their first issue
// actually ships in.
func ReconcileOnConfirmation(subscriptionID string, declaredStart string, createdAt, now time.Time) Action {
	switch Start(declaredStart) {
	case StartCurrent:
		return Action{
			SubscriptionID:   subscriptionID,
			TrialEnd:         NextAnchor(now).Unix(),
			DisableProration: true,
			CreatedAt:        createdAt,
		}
	case StartNext:
		return Action{SubscriptionID: subscriptionID, CreatedAt: createdAt}
	}
	return Action{SubscriptionID: subscriptionID, CreatedAt: createdAt, Malformed: true}
}
