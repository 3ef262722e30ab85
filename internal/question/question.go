// Package question validates answers against an event's question set.
// Question kinds form a closed set; adding a kind means extending the
// switch in Validate, which the compiler flags everywhere the enum is
// consumed, instead of growing a string-comparison chain.
package question

import (
	"errors"
	"fmt"

	"memberevents/internal/model"
)

type Kind string

const (
	KindText     Kind = "TEXT"
	KindSelect   Kind = "SELECT"
	KindCheckbox Kind = "CHECKBOX"
)

const maxTextLen = 1000

var (
	ErrUnknownKind     = errors.New("unknown question kind")
	ErrAnswerRequired  = errors.New("answer required")
	ErrAnswerTooLong   = errors.New("answer exceeds maximum length")
	ErrOptionNotListed = errors.New("answer is not one of the listed options")
	ErrNotBoolean      = errors.New("answer must be true or false")
	ErrUnknownQuestion = errors.New("answer references an unknown question")
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindText, KindSelect, KindCheckbox:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Validate checks a single answer value against its question definition.
func Validate(q model.Question, value string) error {
	kind, err := ParseKind(q.Kind)
	if err != nil {
		return err
	}
	switch kind {
	case KindText:
		if q.Required && value == "" {
			return fmt.Errorf("%w: %s", ErrAnswerRequired, q.Label)
		}
		if len(value) > maxTextLen {
			return fmt.Errorf("%w: %s", ErrAnswerTooLong, q.Label)
		}
		return nil
	case KindSelect:
		if value == "" {
			if q.Required {
				return fmt.Errorf("%w: %s", ErrAnswerRequired, q.Label)
			}
			return nil
		}
		for _, opt := range q.Options {
			if value == opt {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrOptionNotListed, q.Label)
	case KindCheckbox:
		if value != "true" && value != "false" {
			return fmt.Errorf("%w: %s", ErrNotBoolean, q.Label)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, q.Kind)
}

// ValidateSet checks a full answer submission against the event's question
// set: every required question answered, no answer pointing outside the
// set, every value valid for its question's kind.
func ValidateSet(questions []model.Question, answers []model.Answer) error {
	byID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	answered := make(map[int64]struct{}, len(answers))
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			return fmt.Errorf("%w: id %d", ErrUnknownQuestion, a.QuestionID)
		}
		if err := Validate(q, a.Value); err != nil {
			return err
		}
		answered[a.QuestionID] = struct{}{}
	}
	for _, q := range questions {
		if !q.Required {
			continue
		}
		if _, ok := answered[q.ID]; !ok {
			return fmt.Errorf("%w: %s", ErrAnswerRequired, q.Label)
		}
	}
	return nil
}
