package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"google.golang.org/genai"

	"github.com/valeevte/PriceTracker/internal/arbiter"
	"github.com/valeevte/PriceTracker/internal/products"
)

type AIConfig struct {
	Enabled      bool    `envconfig:"AI_ENABLED" default:"false"`
	APIKey       string  `envconfig:"GEMINI_API_KEY"`
	Model        string  `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	MaxChars     int     `envconfig:"AI_MAX_CHARS" default:"6000"`
	VerifyFloor  float64 `envconfig:"AI_VERIFY_FLOOR" default:"0.7"`
	Verification bool    `envconfig:"AI_VERIFICATION_ENABLED" default:"true"`
}

// Completer sends a prompt to a language model and returns its text reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// GeminiCompleter is a Completer backed by the Gemini API.
type GeminiCompleter struct {
	client *genai.Client
	model  string
}

func NewGeminiCompleter(ctx context.Context, apiKey, model string) (*GeminiCompleter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiCompleter{client: client, model: model}, nil
}

func (g *GeminiCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return resp.Text(), nil
}

const extractPrompt = `You read product pages and report the current selling price.
Reply with JSON only: {"price": number, "currency": "ISO 4217 code", "confidence": number between 0 and 1, "context": "short quote of the text the price came from"}.
If there is no price, reply {"price": null}.

Page URL: %s
Page text:
%s`

const verifyPrompt = `A scraper read the price %s %s from the product page below.
Check it against the page. Reply with JSON only:
{"correct": true|false, "price": number, "currency": "ISO 4217 code", "confidence": number between 0 and 1, "context": "short quote"}.
When correct is false, price is the actual current selling price.

Page URL: %s
Page text:
%s`

type aiReply struct {
	Correct    *bool    `json:"correct"`
	Price      any      `json:"price"`
	Currency   string   `json:"currency"`
	Confidence *float64 `json:"confidence"`
	Context    string   `json:"context"`
}

func parseReply(raw string) (aiReply, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var r aiReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &r); err != nil {
		return r, fmt.Errorf("decode model reply: %w", err)
	}
	return r, nil
}

func (r aiReply) candidate(defaultCurrency string) (arbiter.Candidate, bool) {
	price, ok := parseAmount(r.Price)
	if !ok {
		return arbiter.Candidate{}, false
	}
	conf := 0.5
	if r.Confidence != nil {
		conf = min(max(*r.Confidence, 0), 1)
	}
	return arbiter.Candidate{
		Price:      price,
		Currency:   firstNonEmpty(r.Currency, defaultCurrency),
		Method:     arbiter.MethodAI,
		Confidence: conf,
		Context:    r.Context,
	}, true
}

// readableText returns the main text of the page, truncated to maxChars.
func readableText(page *Page, maxChars int) string {
	text := ""
	if article, err := readability.FromReader(bytes.NewReader(page.Body), page.URL); err == nil {
		text = strings.TrimSpace(article.TextContent)
	}
	if text == "" {
		text = strings.Join(strings.Fields(visibleText(page.Doc)), " ")
	}
	return truncate(text, maxChars)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// AIStrategy asks a language model to read the price off the page text.
type AIStrategy struct {
	Model           Completer
	MaxChars        int
	DefaultCurrency string
}

func (AIStrategy) Method() arbiter.Method { return arbiter.MethodAI }

func (s AIStrategy) Extract(ctx context.Context, page *Page) (arbiter.Candidate, error) {
	out, err := s.Model.Complete(ctx, fmt.Sprintf(extractPrompt, page.URL, readableText(page, s.MaxChars)))
	if err != nil {
		return arbiter.Candidate{}, err
	}
	reply, err := parseReply(out)
	if err != nil {
		return arbiter.Candidate{}, err
	}
	c, ok := reply.candidate(s.DefaultCurrency)
	if !ok {
		return arbiter.Candidate{}, ErrNoPrice
	}
	return c, nil
}

// Verdict is the outcome of an AI verification pass.
type Verdict struct {
	Status    products.AIStatus
	Corrected *arbiter.Candidate
}

// Verifier re-checks a price accepted by a non-AI method.
type Verifier struct {
	Model    Completer
	MaxChars int
	// Floor is the minimum model confidence needed to overwrite a price.
	Floor float64
}

// Verify returns an empty Verdict when the model is unsure or disagrees
// without enough confidence.
func (v Verifier) Verify(ctx context.Context, page *Page, accepted arbiter.Candidate) (Verdict, error) {
	prompt := fmt.Sprintf(verifyPrompt, accepted.Price.String(), accepted.Currency, page.URL, readableText(page, v.MaxChars))
	out, err := v.Model.Complete(ctx, prompt)
	if err != nil {
		return Verdict{}, err
	}
	reply, err := parseReply(out)
	if err != nil {
		return Verdict{}, err
	}
	if reply.Correct != nil && *reply.Correct {
		return Verdict{Status: products.AIVerified}, nil
	}
	c, ok := reply.candidate(accepted.Currency)
	if !ok || c.Confidence < v.Floor {
		return Verdict{}, nil
	}
	if c.Normalized().Equal(accepted.Normalized()) {
		return Verdict{Status: products.AIVerified}, nil
	}
	return Verdict{Status: products.AICorrected, Corrected: &c}, nil
}
