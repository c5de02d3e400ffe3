package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Event is the claim-completed notification.
type Event struct {
	ID           uuid.UUID        `json:"id"`
	Claimant     solana.PublicKey `json:"claimant"`
	Distribution solana.PublicKey `json:"distribution"`
	Unlocked     uint64           `json:"unlocked"`
	Locked       uint64           `json:"locked"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Notifier receives an Event after the claim it describes has committed.
// A notifier error never undoes the claim.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	n.Logger.Info("processor: new claim",
		"event_id", ev.ID,
		"claimant", ev.Claimant,
		"distribution", ev.Distribution,
		"unlocked", ev.Unlocked,
		"locked", ev.Locked,
		"timestamp", ev.Timestamp.Unix(),
	)
	return nil
}

// Notifiers fans an event out to every notifier and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
