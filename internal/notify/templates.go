package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/m1cart-orders/internal/events"
)

const invoiceText = `Hi {{.BuyerName}},

Thank you for your order {{.OrderNumber}}. Your payment was received.

{{range .Lines}}- {{.Name}} x{{.Quantity}}: {{.Subtotal}} {{$.Currency}}
{{end}}
Total: {{.Total}} {{.Currency}}
`

const invoiceHTML = `<p>Hi {{.BuyerName}},</p>
<p>Thank you for your order <strong>{{.OrderNumber}}</strong>. Your payment was received.</p>
<table>
{{range .Lines}}<tr><td>{{.Name}}</td><td>x{{.Quantity}}</td><td>{{.Subtotal}} {{$.Currency}}</td></tr>
{{end}}</table>
<p>Total: <strong>{{.Total}} {{.Currency}}</strong></p>
`

const statusText = `Hi {{.BuyerName}},

Your order {{.OrderNumber}} is now {{.Status}}.
`

var (
	invoiceTextTmpl = template.Must(template.New("invoice.txt").Parse(invoiceText))
	invoiceHTMLTmpl = htmltemplate.Must(htmltemplate.New("invoice.html").Parse(invoiceHTML))
	statusTextTmpl  = template.Must(template.New("status.txt").Parse(statusText))
)

type invoiceLine struct {
	Name     string
	Quantity int
	Subtotal string
}

type templateData struct {
	BuyerName   string
	OrderNumber string
	Status      string
	Currency    string
	Total       string
	Lines       []invoiceLine
}

// FormatMinor renders an amount in minor units as a major-unit decimal string.
func FormatMinor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

// Render builds the buyer email for a status event. It reports false for topics
// that do not notify the buyer or when the buyer has no address.
func Render(topic string, ev events.OrderStatusChanged, from string) (Message, bool, error) {
	to := strings.TrimSpace(ev.BuyerEmail)
	if to == "" {
		return Message{}, false, nil
	}
	data := templateData{
		BuyerName:   valueOr(ev.BuyerName, "there"),
		OrderNumber: valueOr(ev.OrderNumber, ev.OrderID),
		Status:      ev.To,
		Currency:    strings.ToUpper(ev.Currency),
		Total:       FormatMinor(ev.Amount),
	}
	msg := Message{From: from, To: to}
	var text, html bytes.Buffer
	switch topic {
	case events.TopicOrderCompleted:
		for _, it := range ev.Items {
			data.Lines = append(data.Lines, invoiceLine{
				Name:     it.Name,
				Quantity: it.Quantity,
				Subtotal: FormatMinor(it.UnitPrice * int64(it.Quantity)),
			})
		}
		if err := invoiceTextTmpl.Execute(&text, data); err != nil {
			return Message{}, false, fmt.Errorf("render invoice: %w", err)
		}
		if err := invoiceHTMLTmpl.Execute(&html, data); err != nil {
			return Message{}, false, fmt.Errorf("render invoice html: %w", err)
		}
		msg.Subject = fmt.Sprintf("Invoice for order %s", data.OrderNumber)
	case events.TopicOrderDispatched, events.TopicOrderDelivered:
		if err := statusTextTmpl.Execute(&text, data); err != nil {
			return Message{}, false, fmt.Errorf("render status email: %w", err)
		}
		msg.Subject = fmt.Sprintf("Order %s %s", data.OrderNumber, ev.To)
	default:
		return Message{}, false, nil
	}
	msg.Text = text.String()
	msg.HTML = html.String()
	return msg, true, nil
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
