// Package session collects onboarding answers into a user profile. A Draft is
// an immutable value: applying an answer returns a new Draft and never
// mutates the receiver.
package session

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/echo-labs/echo-cli/pkg/echoapi"
)

var (
	// ErrUnknownStep is returned for a step name that does not exist.
	ErrUnknownStep = eris.New("session: unknown step")
	// ErrInvalidAnswer is returned when an answer fails validation.
	ErrInvalidAnswer = eris.New("session: invalid answer")
)

const birthDateLayout = "2006-01-02"

// Step is one onboarding question.
type Step struct {
	Name     string   `json:"name"`
	Prompt   string   `json:"prompt"`
	Options  []string `json:"options,omitempty"`
	Optional bool     `json:"optional"`

	apply func(p echoapi.UserProfile, answer string) (echoapi.UserProfile, error)
}

// Steps lists the questions in the order they are asked.
var Steps = []Step{
	{Name: "name", Prompt: "your name", apply: required(func(p *echoapi.UserProfile, v string) { p.DisplayName = v })},
	{Name: "birth_date", Prompt: "your birth date (YYYY-MM-DD)", Optional: true, apply: applyBirthDate},
	{Name: "birth_location", Prompt: "where you were born", apply: required(func(p *echoapi.UserProfile, v string) { p.BirthLocation = v })},
	{Name: "primary_residence", Prompt: "where you grew up", apply: required(func(p *echoapi.UserProfile, v string) { p.PrimaryResidence = v })},
	{Name: "current_location", Prompt: "where you live now", apply: required(func(p *echoapi.UserProfile, v string) { p.CurrentLocation = v })},
	{Name: "education_level", Prompt: "your highest degree", Options: Degrees, apply: applyDegree},
	{Name: "college", Prompt: "your school", apply: required(func(p *echoapi.UserProfile, v string) { p.College = v })},
	{Name: "profession", Prompt: "your profession", apply: required(func(p *echoapi.UserProfile, v string) { p.Profession = v })},
	{Name: "primary_interest", Prompt: "your primary interest", apply: required(func(p *echoapi.UserProfile, v string) { p.PrimaryInterest = v })},
	{Name: "parental_income", Prompt: "your family income", Options: IncomeLabels(), Optional: true, apply: applyIncome},
	{Name: "race", Prompt: "your race", Options: Races, Optional: true, apply: applyRace},
	{Name: "religion", Prompt: "your religion", Options: Religions, Optional: true, apply: applyReligion},
}

// LookupStep returns the step with the given name.
func LookupStep(name string) (Step, int, bool) {
	for i, s := range Steps {
		if s.Name == name {
			return s, i, true
		}
	}
	return Step{}, -1, false
}

func required(set func(p *echoapi.UserProfile, v string)) func(echoapi.UserProfile, string) (echoapi.UserProfile, error) {
	return func(p echoapi.UserProfile, answer string) (echoapi.UserProfile, error) {
		v := strings.TrimSpace(answer)
		if v == "" {
			return p, eris.Wrap(ErrInvalidAnswer, "answer is required")
		}
		set(&p, v)
		return p, nil
	}
}

func applyBirthDate(p echoapi.UserProfile, answer string) (echoapi.UserProfile, error) {
	v := strings.TrimSpace(answer)
	if v != "" {
		if _, err := time.Parse(birthDateLayout, v); err != nil {
			return p, eris.Wrapf(ErrInvalidAnswer, "birth date %q must be YYYY-MM-DD", v)
		}
	}
	p.BirthDate = v
	return p, nil
}

func applyDegree(p echoapi.UserProfile, answer string) (echoapi.UserProfile, error) {
	v, ok := matchOption(Degrees, answer)
	if !ok {
		return p, eris.Wrapf(ErrInvalidAnswer, "unknown degree %q", strings.TrimSpace(answer))
	}
	p.EducationalLevel = v
	return p, nil
}

func applyIncome(p echoapi.UserProfile, answer string) (echoapi.UserProfile, error) {
	income, ok := ParseIncome(answer)
	if !ok {
		return p, eris.Wrapf(ErrInvalidAnswer, "unknown income bracket %q", strings.TrimSpace(answer))
	}
	p.ParentalIncome = &income
	return p, nil
}

func applyRace(p echoapi.UserProfile, answer string) (echoapi.UserProfile, error) {
	if strings.TrimSpace(answer) == "" {
		p.Race = RaceNotProvided
		return p, nil
	}
	v, ok := matchOption(Races, answer)
	if !ok {
		return p, eris.Wrapf(ErrInvalidAnswer, "unknown race %q", strings.TrimSpace(answer))
	}
	p.Race = v
	return p, nil
}

func applyReligion(p echoapi.UserProfile, answer string) (echoapi.UserProfile, error) {
	if strings.TrimSpace(answer) == "" {
		p.Religion = ""
		return p, nil
	}
	v, ok := matchOption(Religions, answer)
	if !ok {
		return p, eris.Wrapf(ErrInvalidAnswer, "unknown religion %q", strings.TrimSpace(answer))
	}
	p.Religion = v
	return p, nil
}

// Draft is a partially answered profile.
type Draft struct {
	profile  echoapi.UserProfile
	answered uint32 // bit i set when Steps[i] has been answered
}

// NewDraft starts an empty draft, optionally for an existing user.
func NewDraft(userID int64) Draft {
	return Draft{profile: echoapi.UserProfile{UserID: userID}}
}

// Apply answers the named step and returns the updated draft.
func (d Draft) Apply(step, answer string) (Draft, error) {
	s, idx, ok := LookupStep(step)
	if !ok {
		return d, eris.Wrapf(ErrUnknownStep, "%q", step)
	}
	p, err := s.apply(d.profile, answer)
	if err != nil {
		return d, eris.Wrapf(err, "step %s", step)
	}
	if p.ParentalIncome != nil {
		income := *p.ParentalIncome
		p.ParentalIncome = &income
	}
	return Draft{profile: p, answered: d.answered | 1<<uint(idx)}, nil
}

// WithUserID returns a copy bound to the backend-assigned user id.
func (d Draft) WithUserID(id int64) Draft {
	d.profile.UserID = id
	return d
}

// Answered reports whether the named step has been answered.
func (d Draft) Answered(step string) bool {
	_, idx, ok := LookupStep(step)
	return ok && d.answered&(1<<uint(idx)) != 0
}

// Next returns the first unanswered step.
func (d Draft) Next() (Step, bool) {
	for i, s := range Steps {
		if d.answered&(1<<uint(i)) == 0 {
			return s, true
		}
	}
	return Step{}, false
}

// Missing lists required steps that have no answer yet.
func (d Draft) Missing() []string {
	var missing []string
	for i, s := range Steps {
		if !s.Optional && d.answered&(1<<uint(i)) == 0 {
			missing = append(missing, s.Name)
		}
	}
	return missing
}

// Complete reports whether every required step is answered.
func (d Draft) Complete() bool {
	return len(d.Missing()) == 0
}

// Profile returns the profile built so far. Skipped optional answers take
// their defaults: undisclosed income and "Not provided" race.
func (d Draft) Profile() echoapi.UserProfile {
	p := d.profile
	if p.ParentalIncome == nil {
		undisclosed := echoapi.IncomeUndisclosed
		p.ParentalIncome = &undisclosed
	} else {
		income := *p.ParentalIncome
		p.ParentalIncome = &income
	}
	if p.Race == "" {
		p.Race = RaceNotProvided
	}
	return p
}
