package specialist

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Pesos formats an amount with thousands separators and either zero or two
// decimals.
func Pesos(amount float64, cents bool) string {
	p := message.NewPrinter(language.English)
	if cents {
		return p.Sprintf("%.2f", amount)
	}
	return p.Sprintf("%.0f", amount)
}
