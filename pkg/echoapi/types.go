package echoapi

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Income is a parental-income bracket code. Bracket medians are transmitted as
// plain integers; IncomeUndisclosed marks "prefer not to say".
type Income int64

// IncomeUndisclosed is the sentinel sent when the user declines to answer.
const IncomeUndisclosed Income = -1

// Disclosed reports whether the income carries a real bracket value.
func (i Income) Disclosed() bool {
	return i != IncomeUndisclosed
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (i *Income) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	return i.parse(strings.Trim(s, `"`))
}

// UnmarshalYAML accepts a number or a numeric string scalar.
func (i *Income) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return eris.Errorf("echoapi: parental_income must be a scalar, line %d", value.Line)
	}
	return i.parse(strings.TrimSpace(value.Value))
}

func (i *Income) parse(s string) error {
	if s == "" {
		*i = IncomeUndisclosed
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return eris.Wrapf(err, "echoapi: parse parental_income %q", s)
	}
	*i = Income(n)
	return nil
}

// UserProfile holds the onboarding answers for one person.
type UserProfile struct {
	UserID           int64   `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	DisplayName      string  `json:"display_name" yaml:"display_name"`
	BirthDate        string  `json:"birth_date" yaml:"birth_date"`
	BirthLocation    string  `json:"birth_location" yaml:"birth_location"`
	PrimaryResidence string  `json:"primary_residence" yaml:"primary_residence"`
	CurrentLocation  string  `json:"current_location" yaml:"current_location"`
	College          string  `json:"college" yaml:"college"`
	EducationalLevel string  `json:"educational_level" yaml:"educational_level"`
	Profession       string  `json:"profession" yaml:"profession"`
	PrimaryInterest  string  `json:"primary_interest" yaml:"primary_interest"`
	Religion         string  `json:"religion,omitempty" yaml:"religion,omitempty"`
	Race             string  `json:"race,omitempty" yaml:"race,omitempty"`
	ParentalIncome   *Income `json:"parental_income,omitempty" yaml:"parental_income,omitempty"`
}

// normalized returns a copy with the income sentinel filled in.
func (p UserProfile) normalized() UserProfile {
	if p.ParentalIncome == nil {
		undisclosed := IncomeUndisclosed
		p.ParentalIncome = &undisclosed
	}
	return p
}

// Order is a billing record gating story generation.
type Order struct {
	OrderID int64   `json:"order_id"`
	UserID  int64   `json:"user_id"`
	Amount  float64 `json:"amount"`
}

// PaymentSession confirms payment for an order.
type PaymentSession struct {
	SessionID int64 `json:"session_id"`
	OrderID   int64 `json:"order_id"`
	UserID    int64 `json:"user_id"`
}

// StoryRequest is the body shared by both story-generation endpoints.
type StoryRequest struct {
	UserID    int64 `json:"user_id"`
	OrderID   int64 `json:"order_id"`
	SessionID int64 `json:"session_id"`
}

// IntermediateStory is the /yunsuan first-pass narrative.
type IntermediateStory struct {
	StoryID       int64  `json:"story_id"`
	TransactionID string `json:"transaction_id"`
	Text          string `json:"generated_story_text"`
}

// StatusSimulated is the backend's marker for a degraded final story.
const StatusSimulated = "simulated"

// FinalStory is the /tuisuan narrative plus its supporting documents.
type FinalStory struct {
	StoryID       int64    `json:"story_id"`
	TransactionID string   `json:"transaction_id"`
	Text          string   `json:"generated_story_text"`
	WikiPages     []string `json:"wiki_pages"`
	Status        string   `json:"status,omitempty"`
}

// Simulated reports whether the backend itself degraded the result.
func (s FinalStory) Simulated() bool {
	return s.Status == StatusSimulated
}

// Story is one record from the history endpoints.
type Story struct {
	StoryID       int64  `json:"story_id"`
	TransactionID string `json:"transaction_id"`
	Text          string `json:"generated_story_text"`
	Timestamp     string `json:"timestamp"`
}

// ProcessedEvent is a candidate life event extracted from narrative text.
type ProcessedEvent struct {
	UserID        int64   `json:"user_id"`
	StoryID       int64   `json:"story_id"`
	Text          string  `json:"text"`
	AnnotatedText string  `json:"annotated_text"`
	EventType     string  `json:"event_type"`
	EventDate     *string `json:"event_date"`
}

// Coordinates is the backend-assigned position of an event.
type Coordinates [3]float64

// PersistedEvent is a stored, positioned event.
type PersistedEvent struct {
	ProcessedEvent
	EventID     int64       `json:"event_id"`
	Coordinates Coordinates `json:"coordinates"`
	Future      bool        `json:"future_ind"`
}

// eventExtractRequest is the body for POST /eventprocess.
type eventExtractRequest struct {
	Text    string `json:"text"`
	StoryID int64  `json:"story_id"`
	UserID  int64  `json:"user_id"`
}

// orderRequest is the body for POST /orders.
type orderRequest struct {
	UserID int64 `json:"user_id"`
}

// paymentRequest is the body for POST /payments/confirm.
type paymentRequest struct {
	UserID  int64 `json:"user_id"`
	OrderID int64 `json:"order_id"`
}

var _ json.Unmarshaler = (*Income)(nil)
