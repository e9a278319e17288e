/*
Package notify delivers customer notifications (welcome, purchase,
redemption).

PURPOSE:
  Notifications are fire-and-forget. Senders return errors so callers can
  log them, but no ledger operation ever fails because a notification
  could not be delivered.

SENDERS:
  Twilio: WhatsApp or SMS through the Twilio Messages API
  Log:    Writes the rendered message to the structured log (dev)
  Async:  Queues messages for a background worker with a per-send timeout
  Nop:    Discards
*/
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/eliteacai/cashback-engine/ledger"
	"github.com/eliteacai/cashback-engine/logger"
)

type Event string

const (
	EventWelcome    Event = "welcome"
	EventPurchase   Event = "purchase"
	EventRedemption Event = "redemption"
)

// Message is one notification for one customer. Amount and CashbackAmount
// are set for purchase and redemption events.
type Message struct {
	CustomerID     ledger.CustomerID
	Event          Event
	EntryID        ledger.EntryID
	Amount         *decimal.Decimal
	CashbackAmount *decimal.Decimal
	Name           string
}

type Sender interface {
	Notify(ctx context.Context, m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, m Message) error

func (f SenderFunc) Notify(ctx context.Context, m Message) error { return f(ctx, m) }

type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// Render produces the customer-facing text.
func Render(m Message) (string, error) {
	switch m.Event {
	case EventWelcome:
		if m.Name != "" {
			return fmt.Sprintf("Olá, %s! Bem-vindo(a) ao programa de cashback. A cada compra você ganha cashback para usar nas próximas.", m.Name), nil
		}
		return "Bem-vindo(a) ao programa de cashback! A cada compra você ganha cashback para usar nas próximas.", nil
	case EventPurchase:
		if m.Amount == nil || m.CashbackAmount == nil {
			return "", fmt.Errorf("purchase notification requires amount and cashback")
		}
		return fmt.Sprintf("Compra de %s registrada! Você ganhou %s de cashback.",
			FormatBRL(*m.Amount), FormatBRL(*m.CashbackAmount)), nil
	case EventRedemption:
		if m.Amount == nil {
			return "", fmt.Errorf("redemption notification requires amount")
		}
		return fmt.Sprintf("Resgate de %s em cashback realizado com sucesso.", FormatBRL(*m.Amount)), nil
	}
	return "", fmt.Errorf("unknown notification event %q", m.Event)
}

// FormatBRL formats d as Brazilian reais, e.g. "R$ 1.234,50".
func FormatBRL(d decimal.Decimal) string {
	fixed := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return sign + "R$ " + b.String() + "," + frac
}

// =============================================================================
// LOG SENDER
// =============================================================================

// Log writes notifications to the structured log instead of delivering them.
type Log struct {
	Logger *logger.Logger
}

func (s Log) Notify(ctx context.Context, m Message) error {
	body, err := Render(m)
	if err != nil {
		return err
	}
	ctx = s.Logger.WithFields(ctx, map[string]any{
		"customer_id": string(m.CustomerID),
		"event":       string(m.Event),
		"body":        body,
	})
	s.Logger.Info(ctx, "notification")
	return nil
}
