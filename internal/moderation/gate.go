package moderation

//go:generate mockgen -destination=mocks/mock_gate.go -package=mocks github.com/umar/bonded-messaging/internal/moderation Gate

import "context"

// Verdict is the outcome of a content check. Reason is shown to the sender when
// Allowed is false.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

var Allow = Verdict{Allowed: true}

// Gate checks message text before it is persisted. An error means the check itself
// failed, not that the text was rejected.
type Gate interface {
	Check(ctx context.Context, text string) (Verdict, error)
}

// Chain runs gates in order and returns the first rejection. A failing gate stops the
// chain and its error is returned to the caller.
type Chain []Gate

func (c Chain) Check(ctx context.Context, text string) (Verdict, error) {
	for _, g := range c {
		v, err := g.Check(ctx, text)
		if err != nil {
			return Verdict{}, err
		}
		if !v.Allowed {
			return v, nil
		}
	}
	return Allow, nil
}
