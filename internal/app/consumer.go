package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/transfa/cashflow-service/internal/domain"
	"github.com/transfa/cashflow-service/internal/store"
)

const intakeTimeout = 15 * time.Second

// SubmissionConsumer turns submission events from the front-line tool into
// deposit and withdrawal requests.
type SubmissionConsumer struct {
	svc *Service
}

func NewSubmissionConsumer(svc *Service) *SubmissionConsumer {
	return &SubmissionConsumer{svc: svc}
}

// HandleDepositSubmitted returns false only for errors worth a redelivery.
func (c *SubmissionConsumer) HandleDepositSubmitted(body []byte) bool {
	var event domain.DepositSubmittedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=submission_consumer msg=\"failed to unmarshal deposit payload\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), intakeTimeout)
	defer cancel()

	_, err := c.svc.CreateDeposit(ctx, submitter(event.SubmittedBy), domain.CreateDepositRequest{
		Reference:     event.Reference,
		PlayerID:      event.PlayerID,
		Amount:        event.Amount,
		PaymentMethod: event.PaymentMethod,
	})
	return c.ack("deposit", event.Reference, err)
}

func (c *SubmissionConsumer) HandleWithdrawalSubmitted(body []byte) bool {
	var event domain.WithdrawalSubmittedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=submission_consumer msg=\"failed to unmarshal withdrawal payload\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), intakeTimeout)
	defer cancel()

	_, err := c.svc.CreateWithdrawal(ctx, submitter(event.SubmittedBy), domain.CreateWithdrawalRequest{
		Reference:     event.Reference,
		PlayerID:      event.PlayerID,
		TotalAmount:   event.TotalAmount,
		PaymentMethod: event.PaymentMethod,
	})
	return c.ack("withdrawal", event.Reference, err)
}

// ack decides whether a delivery is done. Redeliveries of an already stored
// reference and invalid payloads are acknowledged; anything else is retried.
func (c *SubmissionConsumer) ack(kind, reference string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrDuplicateReference):
		log.Printf("level=info component=submission_consumer msg=\"duplicate submission; acknowledging\" kind=%s reference=%s", kind, reference)
		return true
	case isValidationError(err):
		log.Printf("level=warn component=submission_consumer msg=\"invalid submission dropped\" kind=%s reference=%s err=%v", kind, reference, err)
		return true
	default:
		log.Printf("level=error component=submission_consumer msg=\"submission processing failed\" kind=%s reference=%s err=%v", kind, reference, err)
		return false
	}
}

func isValidationError(err error) bool {
	return errors.Is(err, ErrInvalidReference) ||
		errors.Is(err, ErrInvalidPlayer) ||
		errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, ErrPaymentMethodMismatch)
}

func submitter(raw string) string {
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		return trimmed
	}
	return "frontline-intake"
}
