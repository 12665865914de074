package processor

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// priceTokenRe matches a decimal number optionally preceded by a currency
// symbol, or followed by a three-letter currency code, anywhere in a line.
// Group 1 is the currency symbol and group 2 the amount after it; group 3
// is a bare amount and group 4 its trailing currency code.
var priceTokenRe = regexp.MustCompile(
	`(?i)([$€£₹¥])\s?((?:[0-9]{1,3}(?:[,.][0-9]{3})+|[0-9]+)(?:\.[0-9]{1,2})?)|` +
		`\b((?:[0-9]{1,3}(?:[,.][0-9]{3})+|[0-9]+)(?:\.[0-9]{1,2})?)\s?(USD|EUR|GBP|KES|NGN|INR|ZAR|KSH)\b`,
)

var symbolCurrency = map[string]string{
	"$": "USD", "€": "EUR", "£": "GBP", "₹": "INR", "¥": "JPY",
}

// quantityRe matches "x N", "N pcs", "N units", "qty N".
var quantityRe = regexp.MustCompile(`(?i)\bx\s?(\d+)\b|\b(\d+)\s?(?:pcs|pieces|units)\b|\bqty\.?\s?(\d+)\b`)

// conditionVocab is the closed vocabulary for condition extraction (spec §4.4).
var conditionVocab = []string{"like new", "refurbished", "used", "new", "a-", "a", "b"}

// systemNoticeRe matches WhatsApp system notices that should be skipped
// outright (joins/leaves, media placeholders).
var systemNoticeRe = regexp.MustCompile(`(?i)^(image omitted|video omitted|audio omitted|sticker omitted|` +
	`document omitted|gif omitted|.*added.*|.*left$|.*removed.*|.*changed the subject.*|` +
	`.*changed this group's icon.*|missed voice call|missed video call)$`)

// transcriptLineRe matches a WhatsApp transcript line prefix:
// "[1/2/24, 10:03:00 AM] Jane Doe: text..." or "1/2/24, 10:03 - Jane Doe: text".
var transcriptLineRe = regexp.MustCompile(`^\s*\[?[\d/.\-]{6,10},?\s+[\d:]{4,8}(?:\s?[AP]M)?\]?\s*-?\s*([^:]{1,80}):\s?(.*)$`)

// ParseLine parses a single free-form line into zero or more RawOffer
// rows (one per price token found). description is the line with all
// price tokens removed and trimmed.
func ParseLine(line string) []RawOffer {
	line = strings.TrimSpace(line)
	if line == "" || isPureReaction(line) || systemNoticeRe.MatchString(line) {
		return nil
	}

	matches := priceTokenRe.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return nil
	}

	// A candidate line needs at least one non-price word.
	stripped := stripPriceTokens(line, matches)
	if !hasWord(stripped) {
		return nil
	}

	var offers []RawOffer
	for _, m := range matches {
		price, currency, ok := parsePriceMatch(line, m)
		if !ok {
			continue
		}
		o := RawOffer{
			Description: strings.TrimSpace(stripped),
			Price:       price,
			Currency:    currency,
		}
		if qty, ok := extractQuantity(line); ok {
			o.Quantity = qty
		}
		if cond, ok := extractCondition(line); ok {
			o.Condition = cond
		}
		offers = append(offers, o)
	}
	return offers
}

// ParseTranscript parses a WhatsApp chat export: consecutive lines are
// grouped under the last observed "[timestamp] Sender: " prefix, and the
// sender becomes each offer's VendorHint (spec §4.4).
func ParseTranscript(text string) []RawOffer {
	var offers []RawOffer
	sender := ""
	for _, raw := range strings.Split(text, "\n") {
		line := raw
		if m := transcriptLineRe.FindStringSubmatch(raw); m != nil {
			sender = strings.TrimSpace(m[1])
			line = m[2]
		}
		for _, o := range ParseLine(line) {
			o.VendorHint = sender
			offers = append(offers, o)
		}
	}
	return offers
}

func parsePriceMatch(line string, m []int) (float64, string, bool) {
	// symbol-prefixed: groups 1,2 at indices 2,3 / 4,5
	if m[2] >= 0 {
		sym := line[m[2]:m[3]]
		amount := line[m[4]:m[5]]
		v, err := parseAmount(amount)
		if err != nil {
			return 0, "", false
		}
		return v, symbolCurrency[sym], true
	}
	if m[6] >= 0 {
		amount := line[m[6]:m[7]]
		code := strings.ToUpper(line[m[8]:m[9]])
		v, err := parseAmount(amount)
		if err != nil {
			return 0, "", false
		}
		return v, code, true
	}
	return 0, "", false
}

func parseAmount(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(s, 64)
}

func stripPriceTokens(line string, matches [][]int) string {
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(line[last:m[0]])
		last = m[1]
	}
	b.WriteString(line[last:])
	return strings.Join(strings.Fields(b.String()), " ")
}

func hasWord(s string) bool {
	for _, f := range strings.Fields(s) {
		for _, r := range f {
			if unicode.IsLetter(r) {
				return true
			}
		}
	}
	return false
}

func extractQuantity(line string) (int, bool) {
	m := quantityRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	for _, g := range m[1:] {
		if g != "" {
			n, err := strconv.Atoi(g)
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func extractCondition(line string) (string, bool) {
	lower := strings.ToLower(line)
	tokens := tokenize(lower)
	for _, cond := range conditionVocab {
		if strings.Contains(cond, " ") {
			if strings.Contains(lower, cond) {
				return cond, true
			}
			continue
		}
		for i, t := range tokens {
			if t != cond {
				continue
			}
			// "a"/"a-"/"b" are single-letter grade codes, not whole words;
			// require a neighboring "grade" token so the indefinite article
			// "a" in ordinary prose doesn't register as a condition.
			if isGradeLetter(cond) && !adjacentToken(tokens, i, "grade") {
				continue
			}
			return cond, true
		}
	}
	return "", false
}

func isGradeLetter(cond string) bool {
	switch cond {
	case "a", "a-", "b":
		return true
	default:
		return false
	}
}

func adjacentToken(tokens []string, i int, want string) bool {
	if i > 0 && tokens[i-1] == want {
		return true
	}
	if i < len(tokens)-1 && tokens[i+1] == want {
		return true
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

// IsFilteredEvent reports whether text is a reaction-only line or a
// WhatsApp system notice that should never be treated as message content
// (shared by the line parser's skip rule, spec §4.4, and the WhatsApp
// ingest API's per-message dedupe/filter step, spec §4.8.5d).
func IsFilteredEvent(text string) bool {
	t := strings.TrimSpace(text)
	return t == "" || isPureReaction(t) || systemNoticeRe.MatchString(t)
}

// isPureReaction reports whether a line is a bare emoji reaction with no
// other content (spec §4.4).
func isPureReaction(line string) bool {
	hasLetter := false
	hasOther := false
	for _, r := range line {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			hasLetter = true
		case unicode.IsSpace(r):
			// ignore
		default:
			hasOther = true
		}
	}
	return hasOther && !hasLetter
}
