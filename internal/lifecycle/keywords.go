package lifecycle

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var acceptanceWords = []string{"yes", "sí", "si", "accept", "acepto", "okay", "ok", "deal", "vale"}

var negationWords = []string{"no", "not", "don't", "dont", "nah", "never", "nunca"}

var servicingTerms = []string{
	"payment", "repay", "installment", "due date", "schedule",
	"disbursement", "when will i receive", "bank account",
	"trouble paying", "can't pay", "late payment", "missed payment",
	"recovery", "payment plan", "promise to pay", "pago", "cuota",
}

var (
	recoveryTerms        = []string{"trouble", "difficulty", "can't pay", "cannot pay", "late", "missed", "help"}
	repaymentTerms       = []string{"payment", "repay", "installment", "pay now", "pagar"}
	scheduleTerms        = []string{"schedule", "when", "due date", "payment dates"}
	repaymentImpactTerms = []string{"impact", "affect", "future loan", "credit", "eligibility"}
	resolutionTerms      = []string{"promise to pay", "payment plan", "agreed", "agree", "accepted", "restructure"}
)

// containsTerm reports whether term occurs in text starting at a word
// boundary. With whole set, it must also end at one.
func containsTerm(text, term string, whole bool) bool {
	for i := 0; i <= len(text); {
		j := strings.Index(text[i:], term)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(term)
		if isBoundary(text, start, true) && (!whole || isBoundary(text, end, false)) {
			return true
		}
		i = start + 1
	}
	return false
}

func isBoundary(text string, pos int, before bool) bool {
	var r rune
	if before {
		if pos == 0 {
			return true
		}
		r, _ = utf8.DecodeLastRuneInString(text[:pos])
	} else {
		if pos >= len(text) {
			return true
		}
		r, _ = utf8.DecodeRuneInString(text[pos:])
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func containsAnyTerm(text string, terms []string, whole bool) bool {
	for _, t := range terms {
		if containsTerm(text, t, whole) {
			return true
		}
	}
	return false
}

// IsAcceptance reports whether a user message accepts an offer.
func IsAcceptance(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" || containsAnyTerm(text, negationWords, true) {
		return false
	}
	return containsAnyTerm(text, acceptanceWords, true)
}

// MentionsServicing reports whether text asks about disbursement,
// repayment or payment trouble.
func MentionsServicing(text string) bool {
	return containsAnyTerm(strings.ToLower(text), servicingTerms, false)
}

// MentionsResolution reports whether text agrees to a recovery arrangement.
func MentionsResolution(text string) bool {
	return containsAnyTerm(strings.ToLower(text), resolutionTerms, false)
}

// ResolutionType classifies the arrangement named in text.
func ResolutionType(text string) string {
	text = strings.ToLower(text)
	switch {
	case strings.Contains(text, "promise to pay"):
		return "promise_to_pay"
	case strings.Contains(text, "payment plan"), strings.Contains(text, "installment plan"):
		return "payment_plan"
	case strings.Contains(text, "restructur"):
		return "restructuring"
	default:
		return "other"
	}
}
