package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/model"
)

// envelope is the provider's event wrapper.
type envelope struct {
	ID      string          `json:"id"`
	Type    model.EventType `json:"type"`
	Created int64           `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// object holds the fields read from any event object.  Which of them are
// populated depends on the event type.
type object struct {
	ID              string            `json:"id"`
	CheckoutSession string            `json:"checkout_session"`
	PaymentStatus   string            `json:"payment_status"`
	Status          string            `json:"status"`
	Amount          int64             `json:"amount"`
	AmountTotal     int64             `json:"amount_total"`
	AmountReceived  int64             `json:"amount_received"`
	AmountCaptured  int64             `json:"amount_captured"`
	AmountRefunded  int64             `json:"amount_refunded"`
	Metadata        map[string]string `json:"metadata"`
}

// decodeEnvelope reads the id and type.  The object is decoded separately so
// unknown types are rejected before their payload is interpreted.
func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("%w: malformed event: %v", model.ErrInvalidInput, err)
	}
	if strings.TrimSpace(env.ID) == "" || env.Type == "" {
		return env, fmt.Errorf("%w: event id and type are required", model.ErrInvalidInput)
	}
	return env, nil
}

// decodeEvent builds the typed event for a known envelope.
func decodeEvent(env envelope) (model.PaymentEvent, error) {
	var obj object
	if len(env.Data.Object) > 0 {
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return model.PaymentEvent{}, fmt.Errorf("%w: malformed %s object: %v", model.ErrInvalidInput, env.Type, err)
		}
	}
	ev := model.PaymentEvent{
		EventID:   env.ID,
		Type:      env.Type,
		BookingID: obj.Metadata["booking_id"],
		State: model.EffectiveState{
			SessionID:         obj.Metadata["session_id"],
			ProviderSessionID: obj.CheckoutSession,
		},
	}
	if env.Created > 0 {
		ev.OccurredAt = time.Unix(env.Created, 0).UTC()
	}

	switch env.Type {
	case model.EventCheckoutCompleted, model.EventCheckoutExpired:
		ev.State.ProviderSessionID = obj.ID
		ev.State.AmountCents = obj.AmountTotal
		ev.State.PaymentPending = obj.PaymentStatus == "unpaid"
	case model.EventPaymentSucceeded, model.EventAmountCapturable:
		ev.State.AmountCents = firstPositive(obj.AmountReceived, obj.Amount)
	case model.EventChargeSucceeded:
		ev.State.AmountCents = firstPositive(obj.AmountCaptured, obj.Amount)
	case model.EventChargeRefunded:
		ev.State.AmountCents = obj.AmountRefunded
	case model.EventRefundUpdated:
		ev.State.AmountCents = obj.Amount
		ev.State.RefundStatus = obj.Status
	case model.EventDisputeCreated:
		ev.State.AmountCents = obj.Amount
	}
	return ev, nil
}

func firstPositive(vals ...int64) int64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
