package extract

import (
	"strings"

	"github.com/go-shiori/dom"
	"golang.org/x/net/html"

	"github.com/valeevte/PriceTracker/internal/products"
)

var outOfStockPhrases = []string{
	"out of stock", "sold out", "currently unavailable", "no longer available",
	"temporarily unavailable", "ausverkauft", "nicht verfügbar",
	"rupture de stock", "agotado", "esaurito",
}

var cartPhrases = []string{
	"add to cart", "add to basket", "add to bag", "buy now",
	"in den warenkorb", "ajouter au panier", "añadir al carrito",
}

// DetectStock derives stock status from structured data, site rules and,
// as a last resort, page text.
func DetectStock(page *Page, rules *SiteRules) products.StockStatus {
	if o := findLDOffer(page); o != nil && o.Availability != "" {
		if s := availability(o.Availability); s != products.Unknown {
			return s
		}
	}
	for _, sel := range []string{
		`meta[property="product:availability"]`,
		`meta[property="og:availability"]`,
		`[itemprop="availability"]`,
	} {
		if node := dom.QuerySelector(page.Doc, sel); node != nil {
			v := firstNonEmpty(dom.GetAttribute(node, "content"), dom.GetAttribute(node, "href"), dom.TextContent(node))
			if s := availability(v); s != products.Unknown {
				return s
			}
		}
	}
	if rule := rules.Match(page.URL.Host); rule != nil {
		if s := rule.stock(page); s != "" {
			return s
		}
	}

	text := strings.ToLower(visibleText(page.Doc))
	switch {
	case containsAny(text, cartPhrases):
		return products.InStock
	case containsAny(text, outOfStockPhrases):
		return products.OutOfStock
	case strings.Contains(text, "in stock"):
		return products.InStock
	default:
		return products.Unknown
	}
}

func availability(v string) products.StockStatus {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.TrimPrefix(v, "https://schema.org/")
	v = strings.TrimPrefix(v, "http://schema.org/")
	switch strings.ReplaceAll(strings.ReplaceAll(v, " ", ""), "_", "") {
	case "instock", "limitedavailability", "onlineonly", "instoreonly", "preorder", "presale":
		return products.InStock
	case "outofstock", "soldout", "discontinued", "oos":
		return products.OutOfStock
	}
	return products.Unknown
}

// DetectTitle prefers og:title, then the JSON-LD product name, then <title>.
func DetectTitle(page *Page) string {
	if node := dom.QuerySelector(page.Doc, `meta[property="og:title"]`); node != nil {
		if t := strings.TrimSpace(dom.GetAttribute(node, "content")); t != "" {
			return t
		}
	}
	if o := findLDOffer(page); o != nil && o.Name != "" {
		return o.Name
	}
	if node := dom.QuerySelector(page.Doc, "title"); node != nil {
		return strings.TrimSpace(dom.TextContent(node))
	}
	return ""
}

func visibleText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
