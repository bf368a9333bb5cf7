package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the lifecycle state of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusExpired    SubscriptionStatus = "expired"
)

// Tier represents a subscription plan tier
type Tier string

const (
	TierIndividual   Tier = "individual"
	TierTeam         Tier = "team"
	TierOrganization Tier = "organization"
)

// Cancellation reasons recorded on the subscription
const (
	CancelReasonUserRequest       = "user_request"
	CancelReasonDunningExhausted  = "payment_failure_after_dunning"
	CancelReasonTrialNotConverted = "trial_not_converted"
)

// Subscription represents a recurring billing agreement for one user.
// Records are never deleted; terminal states are retained for history.
type Subscription struct {
	ID                 uuid.UUID          `json:"id"`
	UserID             string             `json:"user_id"`
	Tier               Tier               `json:"tier"`
	Currency           string             `json:"currency"`
	Status             SubscriptionStatus `json:"status"`
	StartDate          time.Time          `json:"start_date"`
	TrialEndDate       *time.Time         `json:"trial_end_date,omitempty"`
	NextPaymentDate    *time.Time         `json:"next_payment_date,omitempty"`
	LastPaymentDate    *time.Time         `json:"last_payment_date,omitempty"`
	PaymentMethodRef   string             `json:"payment_method_ref,omitempty"`
	MonthlyPriceCents  int64              `json:"monthly_price_cents"`
	FailureCount       int                `json:"failure_count"`
	LastFailureReason  string             `json:"last_failure_reason,omitempty"`
	ManualReview       bool               `json:"manual_review"`
	CancelEffectiveAt  *time.Time         `json:"cancel_effective_at,omitempty"`
	CancellationReason string             `json:"cancellation_reason,omitempty"`
	DunningStage       DunningStage       `json:"dunning_stage"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// validStatusTransitions defines the allowed subscription state machine.
// trialing never reaches past_due directly; a trial converts through
// active or incomplete first.
var validStatusTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusIncomplete: {SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusCanceled},
	SubscriptionStatusTrialing:   {SubscriptionStatusActive, SubscriptionStatusExpired, SubscriptionStatusCanceled},
	SubscriptionStatusActive:     {SubscriptionStatusPastDue, SubscriptionStatusCanceled},
	SubscriptionStatusPastDue:    {SubscriptionStatusActive, SubscriptionStatusUnpaid, SubscriptionStatusCanceled},
	SubscriptionStatusUnpaid:     {SubscriptionStatusActive, SubscriptionStatusCanceled},
	SubscriptionStatusCanceled:   {},
	SubscriptionStatusExpired:    {},
}

// CanTransitionTo reports whether the status change is legal
func (s *Subscription) CanTransitionTo(target SubscriptionStatus) bool {
	for _, allowed := range validStatusTransitions[s.Status] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the subscription can never be billed again
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled || s.Status == SubscriptionStatusExpired
}

// IsTrialing reports whether the subscription is in its trial window
func (s *Subscription) IsTrialing() bool {
	return s.Status == SubscriptionStatusTrialing
}

// TrialExpiredAt reports whether the trial has lapsed at the given instant
func (s *Subscription) TrialExpiredAt(now time.Time) bool {
	return s.Status == SubscriptionStatusTrialing &&
		s.TrialEndDate != nil && now.After(*s.TrialEndDate)
}

// HasPaymentMethod reports whether a payment method reference is attached
func (s *Subscription) HasPaymentMethod() bool {
	return s.PaymentMethodRef != ""
}

// DueAt reports whether the subscription should be billed at the given instant
func (s *Subscription) DueAt(now time.Time) bool {
	if s.IsTerminal() || s.NextPaymentDate == nil {
		return false
	}
	return !s.NextPaymentDate.After(now)
}

// PeriodOf returns the canonical billing-period identifier of an
// instant, as UTC "YYYY-MM".
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// BillingPeriod returns the canonical identifier of the period the
// subscription's next charge belongs to. Attempts and idempotency keys
// are scoped by this value.
func (s *Subscription) BillingPeriod(now time.Time) string {
	due := now
	if s.NextPaymentDate != nil {
		due = *s.NextPaymentDate
	}
	return PeriodOf(due)
}

// DaysOverdue returns whole days elapsed since the next payment date,
// zero when not overdue or not scheduled.
func (s *Subscription) DaysOverdue(now time.Time) int {
	if s.NextPaymentDate == nil || now.Before(*s.NextPaymentDate) {
		return 0
	}
	return int(now.Sub(*s.NextPaymentDate).Hours() / 24)
}

// TrialLengthDays returns the trial length permitted for a tier
func (t Tier) TrialLengthDays() int {
	if t == TierIndividual {
		return 30
	}
	return 14
}

// IsValid reports whether the tier is a known plan tier
func (t Tier) IsValid() bool {
	switch t {
	case TierIndividual, TierTeam, TierOrganization:
		return true
	default:
		return false
	}
}
