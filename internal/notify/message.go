package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/products"
)

// Message is a rendered notification, independent of the channel.
type Message struct {
	Type  products.NotificationType
	Title string
	Body  string
	URL   string
}

// Text is the plain-text form used by discord, pushover and ntfy.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Title)
	b.WriteString("\n")
	b.WriteString(m.Body)
	if m.URL != "" {
		b.WriteString("\n")
		b.WriteString(m.URL)
	}
	return b.String()
}

// HTML is the telegram form.
func (m Message) HTML() string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(m.Title))
	b.WriteString("</b>\n")
	b.WriteString(html.EscapeString(m.Body))
	if m.URL != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Open product</a>", html.EscapeString(m.URL))
	}
	return b.String()
}

func money(d *decimal.Decimal, currency string) string {
	if d == nil {
		return "n/a"
	}
	s := d.StringFixed(arbiter.MinorUnits(currency))
	if currency == "" {
		return s
	}
	return s + " " + currency
}

func productName(p products.Product) string {
	if p.Name != "" {
		return p.Name
	}
	return p.URL
}

// Render builds the message for one trigger of an update.
func Render(t products.NotificationType, u Update) Message {
	name := productName(u.Product)
	m := Message{Type: t, URL: u.Product.URL}
	switch t {
	case products.NotifyPriceDrop:
		m.Title = "Price drop: " + name
		drop := u.OldPrice.Sub(*u.NewPrice)
		m.Body = fmt.Sprintf("Price fell from %s to %s (-%s).",
			money(u.OldPrice, u.Currency), money(u.NewPrice, u.Currency), money(&drop, u.Currency))
	case products.NotifyPriceTarget:
		m.Title = "Target price reached: " + name
		m.Body = fmt.Sprintf("Now %s, your target is %s.",
			money(u.NewPrice, u.Currency), money(u.Product.TargetPrice, u.Currency))
	case products.NotifyStockChange:
		m.Title = "Back in stock: " + name
		m.Body = name + " is available again."
		if u.NewPrice != nil {
			m.Body += " Current price: " + money(u.NewPrice, u.Currency) + "."
		}
	}
	return m
}
