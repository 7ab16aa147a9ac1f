// Package resolver extracts the current price from a rendered product page.
//
// Extraction runs an ordered list of CSS selector strategies; the first one that yields
// non-empty text wins, with a single generic fallback after the primaries. A page with no
// matching element, or whose matched text holds no number, resolves to StatusNotFound.
// Only fetch problems resolve to StatusFailed.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

// Status classifies a resolution.
type Status int

// Resolution outcomes.
const (
	StatusFound Status = iota
	StatusNotFound
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Strategy names one page region expected to contain a price.
type Strategy struct {
	Name     string
	Selector string
}

// DefaultStrategies are tried in order.
var DefaultStrategies = []Strategy{
	{Name: "price_offscreen", Selector: ".a-price .a-offscreen"},
	{Name: "our_price", Selector: "#priceblock_ourprice"},
	{Name: "deal_price", Selector: "#priceblock_dealprice"},
	{Name: "buybox_price", Selector: "#price_inside_buybox"},
	{Name: "price_whole", Selector: ".a-price-whole"},
}

// DefaultFallback runs only when no primary strategy matched.
var DefaultFallback = Strategy{Name: "large_offscreen", Selector: "[data-a-size='l'] .a-offscreen"}

// Result is the outcome of resolving one page.
type Result struct {
	Status Status
	Price  decimal.Decimal
	// Text is the raw matched text, kept for diagnostics.
	Text     string
	Strategy string
	Err      error
}

// Match is raw text found by a strategy.
type Match struct {
	Strategy string
	Text     string
}

// Config tunes a Resolver.
type Config struct {
	Strategies   []Strategy
	Fallback     *Strategy
	FetchTimeout time.Duration
}

// Resolver fetches pages and extracts prices from them.
type Resolver struct {
	pages      tracker.PageProvider
	strategies []Strategy
	fallback   Strategy
	timeout    time.Duration
}

// New builds a Resolver. Empty strategy settings fall back to the defaults.
func New(pages tracker.PageProvider, cfg Config) (*Resolver, error) {
	if pages == nil {
		return nil, fmt.Errorf("page provider is required")
	}
	strategies := cfg.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	fallback := DefaultFallback
	if cfg.Fallback != nil {
		fallback = *cfg.Fallback
	}
	for _, s := range append([]Strategy{fallback}, strategies...) {
		if strings.TrimSpace(s.Selector) == "" {
			return nil, fmt.Errorf("strategy %q has no selector", s.Name)
		}
		if _, err := cascadia.Compile(s.Selector); err != nil {
			return nil, fmt.Errorf("strategy %q has an invalid selector %q: %w", s.Name, s.Selector, err)
		}
	}
	return &Resolver{
		pages:      pages,
		strategies: append([]Strategy(nil), strategies...),
		fallback:   fallback,
		timeout:    cfg.FetchTimeout,
	}, nil
}

// Resolve fetches url and extracts its current price.
func (r *Resolver) Resolve(ctx context.Context, url string) Result {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	page, err := r.pages.Fetch(ctx, url)
	if err != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("fetch page: %w", err)}
	}
	return r.Extract(page.HTML)
}

// Extract resolves a price from already-rendered HTML.
func (r *Resolver) Extract(html []byte) Result {
	match, ok, err := r.Match(html)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	if !ok {
		return Result{Status: StatusNotFound}
	}
	price, ok := Normalize(match.Text)
	if !ok {
		return Result{Status: StatusNotFound, Text: match.Text, Strategy: match.Strategy}
	}
	return Result{Status: StatusFound, Price: price, Text: match.Text, Strategy: match.Strategy}
}

// Match returns the text of the first strategy with a non-empty match.
func (r *Resolver) Match(html []byte) (Match, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Match{}, false, fmt.Errorf("parse html: %w", err)
	}
	for _, s := range r.strategies {
		if text := firstText(doc, s.Selector); text != "" {
			return Match{Strategy: s.Name, Text: text}, true, nil
		}
	}
	if text := firstText(doc, r.fallback.Selector); text != "" {
		return Match{Strategy: r.fallback.Name, Text: text}, true, nil
	}
	return Match{}, false, nil
}

func firstText(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}
