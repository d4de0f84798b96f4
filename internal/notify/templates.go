package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"
)

// Status names accepted by render. Fulfillment statuses share the names of
// domain.FulfillmentStatus.
const (
	StatusPaymentVerified = "payment_verified"
	StatusShipped         = "shipped"
	StatusDelivered       = "delivered"
	StatusCancelled       = "cancelled"
)

var subjects = map[string]string{
	StatusPaymentVerified: "Payment received for order #%s",
	StatusShipped:         "Order #%s has shipped",
	StatusDelivered:       "Order #%s was delivered",
	StatusCancelled:       "Order #%s was cancelled",
}

var bodies = map[string]string{
	StatusPaymentVerified: "Your payment was received and we are preparing your order. You can follow it under \"My orders\".",
	StatusShipped:         "Your order is on its way!",
	StatusDelivered:       "Your order was delivered. We would love to hear your feedback.",
	StatusCancelled:       "Your order was cancelled. If you did not request this, please contact support.",
}

func render(orderID string, total decimal.Decimal, currency, status string) (subject, text, htmlBody string) {
	subject = fmt.Sprintf("Update for order #%s", orderID)
	if s, ok := subjects[status]; ok {
		subject = fmt.Sprintf(s, orderID)
	}

	body, ok := bodies[status]
	if !ok {
		body = "Current status: " + status
	}

	text = fmt.Sprintf("Hello,\nWe have an update for your order #%s of %s %s.\n%s",
		orderID, total.StringFixed(2), currency, body)

	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(line))
		b.WriteString("</p>")
	}
	return subject, text, b.String()
}
