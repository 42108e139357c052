package session

import (
	"strconv"
	"strings"

	"github.com/echo-labs/echo-cli/pkg/echoapi"
)

// RaceNotProvided is stored when the race question is skipped.
const RaceNotProvided = "Not provided"

// Degrees are the accepted education levels.
var Degrees = []string{
	"High School",
	"Associate's Degree",
	"Bachelor's Degree",
	"Master's Degree",
	"Doctorate",
	"Professional Degree",
	"Other",
}

// Races are the accepted race answers.
var Races = []string{
	"Asian",
	"Black or African American",
	"Hispanic or Latino",
	"Middle Eastern",
	"Native American or Alaska Native",
	"Native Hawaiian or Pacific Islander",
	"White",
	"Mixed or Multiple",
	"Other",
	"Prefer not to say",
}

// Religions are the accepted religion answers.
var Religions = []string{
	"Agnostic",
	"Atheist",
	"Buddhism",
	"Christianity",
	"Hinduism",
	"Islam",
	"Judaism",
	"Sikhism",
	"Spiritual but not religious",
	"Other",
	"Prefer not to say",
}

// IncomeBracket maps a displayed income range to the median sent to the backend.
type IncomeBracket struct {
	Label  string         `json:"label"`
	Median echoapi.Income `json:"median"`
}

// IncomeBrackets lists the parental income ranges in display order.
var IncomeBrackets = []IncomeBracket{
	{"Less than $25,000", 12500},
	{"$25,000 - $50,000", 37500},
	{"$50,000 - $75,000", 62500},
	{"$75,000 - $100,000", 87500},
	{"$100,000 - $150,000", 125000},
	{"$150,000 - $200,000", 175000},
	{"$200,000 - $300,000", 250000},
	{"More than $300,000", 350000},
	{"Prefer not to say", echoapi.IncomeUndisclosed},
}

// IncomeLabels returns the bracket labels in display order.
func IncomeLabels() []string {
	labels := make([]string, len(IncomeBrackets))
	for i, b := range IncomeBrackets {
		labels[i] = b.Label
	}
	return labels
}

// ParseIncome resolves a bracket label, a bracket number (1-based) or a raw
// median value. An empty answer is undisclosed.
func ParseIncome(answer string) (echoapi.Income, bool) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return echoapi.IncomeUndisclosed, true
	}
	for _, b := range IncomeBrackets {
		if strings.EqualFold(b.Label, answer) {
			return b.Median, true
		}
	}
	n, err := strconv.ParseInt(answer, 10, 64)
	if err != nil {
		return 0, false
	}
	if n >= 1 && int(n) <= len(IncomeBrackets) {
		return IncomeBrackets[n-1].Median, true
	}
	for _, b := range IncomeBrackets {
		if int64(b.Median) == n {
			return b.Median, true
		}
	}
	return 0, false
}

// IncomeLabel returns the label for a median value.
func IncomeLabel(i echoapi.Income) string {
	for _, b := range IncomeBrackets {
		if b.Median == i {
			return b.Label
		}
	}
	return strconv.FormatInt(int64(i), 10)
}

// matchOption returns the canonical spelling of answer from options, by
// case-insensitive name or 1-based index.
func matchOption(options []string, answer string) (string, bool) {
	answer = strings.TrimSpace(answer)
	for _, o := range options {
		if strings.EqualFold(o, answer) {
			return o, true
		}
	}
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}
	return "", false
}
