// Package mention parses Monday comment bodies addressed to the agent.
package mention

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	md "github.com/JohannesKaufmann/html-to-markdown"
	xhtml "golang.org/x/net/html"
)

const (
	// DefaultHandle is the leading handle that addresses the agent.
	DefaultHandle = "@vydata"

	// MinTextLength and MaxTextLength bound the extracted command text.
	MinTextLength = 5
	MaxTextLength = 2000
)

// agentSignatures are leading markers of the agent's own emissions.
// Any comment starting with one of these must never re-trigger a workflow.
var agentSignatures = []string{
	"\U0001F916", // robot emoji
	"[VALIDATION]",
	"[TASKPILOT]",
	"Validation requise",
	"Validation required",
}

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	alnumPattern      = regexp.MustCompile(`[\p{L}\p{N}]`)
)

// Result carries the outcome of parsing one comment body.
// The guardrail fields are reserved for the optional moderation layer
// and stay zero-valued here.
type Result struct {
	HasMention   bool   `json:"has_mention"`
	CleanedText  string `json:"cleaned_text"`
	OriginalText string `json:"original_text"`
	IsValid      bool   `json:"is_valid"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Reserved for the guardrails layer.
	IsSafe         bool     `json:"is_safe,omitempty"`
	IsAppropriate  bool     `json:"is_appropriate,omitempty"`
	SecurityIssues []string `json:"security_issues,omitempty"`
	SanitizedText  string   `json:"sanitized_text,omitempty"`
}

// Parser detects agent mentions in comment bodies.
type Parser struct {
	handle    string
	converter *md.Converter
}

// NewParser creates a parser for the given handle (e.g. "@vydata").
func NewParser(handle string) *Parser {
	if handle == "" {
		handle = DefaultHandle
	}
	return &Parser{
		handle:    strings.ToLower(handle),
		converter: md.NewConverter("", true, nil),
	}
}

// Parse analyzes a raw comment body (HTML or plain text).
func (p *Parser) Parse(body string) Result {
	result := Result{OriginalText: body}

	cleaned := p.CleanText(body)
	if cleaned == "" {
		return result
	}

	remainder, ok := p.stripHandle(cleaned)
	if !ok {
		return result
	}
	result.HasMention = true
	result.CleanedText = remainder

	switch {
	case len(remainder) < MinTextLength:
		result.ErrorMessage = "message too short after mention"
	case len(remainder) > MaxTextLength:
		result.ErrorMessage = "message too long after mention"
	case !alnumPattern.MatchString(remainder):
		result.ErrorMessage = "message has no alphanumeric content"
	default:
		result.IsValid = true
	}

	return result
}

// CleanText decodes HTML entities, strips tags, and collapses whitespace.
// Monday wraps comments in rich-text HTML; the markdown converter keeps
// link text and list content that a bare tag-strip would mangle.
func (p *Parser) CleanText(body string) string {
	text := body
	if strings.Contains(body, "<") {
		if converted, err := p.converter.ConvertString(body); err == nil {
			text = converted
		} else {
			text = stripTags(body)
		}
	}

	text = html.UnescapeString(text)
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// stripTags extracts the text content of malformed HTML the markdown
// converter refused. The tokenizer never fails; it ends on EOF.
func stripTags(s string) string {
	var b strings.Builder
	tok := xhtml.NewTokenizer(strings.NewReader(s))
	for {
		switch tok.Next() {
		case xhtml.ErrorToken:
			return b.String()
		case xhtml.TextToken:
			b.Write(tok.Text())
			b.WriteByte(' ')
		}
	}
}

// stripHandle removes the leading handle and optional separator.
// Returns false when the text does not start with the handle.
func (p *Parser) stripHandle(text string) (string, bool) {
	lower := strings.ToLower(text)
	if !strings.HasPrefix(lower, p.handle) {
		return "", false
	}

	rest := text[len(p.handle):]
	rest = strings.TrimLeftFunc(rest, func(r rune) bool {
		return r == ':' || r == ',' || unicode.IsSpace(r)
	})
	return strings.TrimSpace(rest), true
}

// IsAgentMessage reports whether the text was authored by the agent
// itself, preventing self-trigger loops.
func IsAgentMessage(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, sig := range agentSignatures {
		if strings.HasPrefix(trimmed, sig) {
			return true
		}
	}
	return false
}
