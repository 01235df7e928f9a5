package partner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/instructions"
	"github.com/ashureev/bizpartner/internal/llm"
)

// extracted mirrors the JSON object returned by the extraction call. Models
// are loose about types, so every value is decoded as-is and coerced.
type extracted struct {
	BusinessName    any `json:"business_name"`
	BusinessType    any `json:"business_type"`
	Location        any `json:"location"`
	YearsOperating  any `json:"years_operating"`
	NumEmployees    any `json:"num_employees"`
	MonthlyRevenue  any `json:"monthly_revenue"`
	MonthlyExpenses any `json:"monthly_expenses"`
	LoanPurpose     any `json:"loan_purpose"`
}

func (e extracted) fields() domain.BusinessFields {
	return domain.BusinessFields{
		Name:            asString(e.BusinessName),
		Type:            asString(e.BusinessType),
		Location:        asString(e.Location),
		YearsOperating:  asInt(e.YearsOperating),
		NumEmployees:    asInt(e.NumEmployees),
		MonthlyRevenue:  asFloat(e.MonthlyRevenue),
		MonthlyExpenses: asFloat(e.MonthlyExpenses),
		LoanPurpose:     asString(e.LoanPurpose),
	}
}

// extract reads business facts from the whole conversation. Facts already
// known stay unless the conversation states a new value.
func (p *Partner) extract(ctx context.Context, s *domain.State) domain.BusinessFields {
	var transcript strings.Builder
	var userTexts []string
	for _, m := range s.Messages {
		text := m.Text()
		if text == "" {
			continue
		}
		role := "Assistant"
		if m.Role == domain.RoleUserMessage {
			role = "User"
			userTexts = append(userTexts, text)
		}
		fmt.Fprintf(&transcript, "%s: %s\n", role, text)
	}
	if len(userTexts) == 0 {
		return domain.BusinessFields{}
	}

	reply, err := p.gen.Generate(ctx, llm.Request{
		Purpose: llm.PurposeExtract,
		System:  p.instr.Get(ctx, instructions.NameExtraction),
		Messages: []domain.Message{domain.NewUserMessage(
			"Conversation:\n"+transcript.String()+"\nReturn ONLY the JSON object, no other text:", s.Now())},
		MaxTokens: 512,
		JSON:      true,
	})
	if err == nil {
		fields, perr := ParseExtraction(reply)
		if perr == nil {
			return fields
		}
		err = perr
	}

	p.logger.Warn("extraction failed, using keyword fallback",
		"session_id", s.SessionID,
		"user_id", s.UserID,
		"error", err)
	var fields domain.BusinessFields
	for _, text := range userTexts {
		fields = fields.Overlay(HeuristicExtract(text))
	}
	return fields
}

// ParseExtraction decodes an extraction reply, tolerating a code fence.
func ParseExtraction(reply string) (domain.BusinessFields, error) {
	var e extracted
	if err := json.Unmarshal([]byte(llm.StripFences(reply)), &e); err != nil {
		return domain.BusinessFields{}, fmt.Errorf("decode extraction: %w", err)
	}
	return e.fields(), nil
}

func asString(v any) domain.Optional[string] {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		if t == "" || strings.EqualFold(t, "null") || strings.EqualFold(t, "unknown") {
			return domain.None[string]()
		}
		return domain.Some(t)
	case float64:
		return domain.Some(strconv.FormatFloat(t, 'f', -1, 64))
	}
	return domain.None[string]()
}

func asFloat(v any) domain.Optional[float64] {
	switch t := v.(type) {
	case float64:
		return domain.Some(t)
	case string:
		if f, ok := parseAmount(t, ""); ok {
			return domain.Some(f)
		}
	}
	return domain.None[float64]()
}

func asInt(v any) domain.Optional[int] {
	if f, ok := asFloat(v).Get(); ok {
		return domain.Some(int(f))
	}
	return domain.None[int]()
}

var amountCleaner = strings.NewReplacer(",", "", "$", "", " ", "", "mxn", "", "pesos", "")

// parseAmount reads numbers like "25,000", "$30000" or "25" with a "k" or
// "mil" suffix.
func parseAmount(num, suffix string) (float64, bool) {
	num = amountCleaner.Replace(strings.ToLower(strings.TrimSpace(num)))
	if strings.HasSuffix(num, "k") {
		num, suffix = strings.TrimSuffix(num, "k"), "k"
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(suffix) {
	case "k", "mil":
		f *= 1000
	}
	return f, true
}

var businessTypes = []string{
	"food cart", "taco stand", "market stall", "corner shop", "beauty salon", "hair salon",
	"barbershop", "bakery", "panadería", "panaderia", "tiendita", "tienda", "taquería", "taqueria",
	"restaurant", "cafe", "salon", "workshop", "grocery", "shop", "store",
}

var loanPurposes = []string{
	"inventory", "inventario", "stock", "supplies", "mercancía", "ingredients",
	"equipment", "oven", "renovation", "remodel", "expansion",
}

var (
	locationPattern  = regexp.MustCompile(`\b(?:in|en)\s+((?:\p{Lu}[\p{L}.]*)(?:\s+\p{Lu}[\p{L}.]*)*)`)
	yearsPattern     = regexp.MustCompile(`(?i)(\d+)\s*(?:years?|años?)`)
	employeesPattern = regexp.MustCompile(`(?i)(\d+)\s*(?:employees?|empleados?|workers?|people)`)
	revenuePattern   = regexp.MustCompile(`(?i)(?:revenue|sales|sell|ventas|vendo|earn|make)\D{0,25}?(\d[\d,]*(?:\.\d+)?)\s*(k|mil)?`)
	expensesPattern  = regexp.MustCompile(`(?i)(?:expenses|costs|gastos|spend)\D{0,25}?(\d[\d,]*(?:\.\d+)?)\s*(k|mil)?`)
)

// HeuristicExtract reads business facts from a single message with keyword
// and pattern matching. It is used when the extraction call is unavailable.
func HeuristicExtract(text string) domain.BusinessFields {
	var f domain.BusinessFields
	lower := strings.ToLower(text)

	for _, kind := range businessTypes {
		if strings.Contains(lower, kind) {
			f.Type = domain.Some(kind)
			break
		}
	}
	if m := locationPattern.FindStringSubmatch(text); m != nil {
		f.Location = domain.Some(strings.TrimRight(m[1], "."))
	}
	if m := yearsPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			f.YearsOperating = domain.Some(n)
		}
	}
	if m := employeesPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			f.NumEmployees = domain.Some(n)
		}
	}
	if m := revenuePattern.FindStringSubmatch(text); m != nil {
		if v, ok := parseAmount(m[1], m[2]); ok {
			f.MonthlyRevenue = domain.Some(v)
		}
	}
	if m := expensesPattern.FindStringSubmatch(text); m != nil {
		if v, ok := parseAmount(m[1], m[2]); ok {
			f.MonthlyExpenses = domain.Some(v)
		}
	}
	for _, purpose := range loanPurposes {
		if strings.Contains(lower, purpose) {
			f.LoanPurpose = domain.Some(purpose)
			break
		}
	}
	return f
}
