package group

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidGroups is returned when a group set fails validation.
var ErrInvalidGroups = errors.New("invalid groups")

// Group is an operator-defined bucket of gift kinds tracked toward a goal.
type Group struct {
	ID      string `json:"id" yaml:"id" validate:"required,max=64"`
	Name    string `json:"name" yaml:"name" validate:"max=128"`
	Color   string `json:"color,omitempty" yaml:"color,omitempty" validate:"omitempty,iscolor"`
	Goal    int64  `json:"goal" yaml:"goal" validate:"gte=0"`
	GiftIDs []int  `json:"giftIds" yaml:"giftIds" validate:"dive,gt=0"`
}

func (g Group) clone() Group {
	if g.GiftIDs != nil {
		ids := make([]int, len(g.GiftIDs))
		copy(ids, g.GiftIDs)
		g.GiftIDs = ids
	}
	return g
}

// Counter is a running tally for one group or for the whole instance.
type Counter struct {
	Count    int64 `json:"count"`
	Diamonds int64 `json:"diamonds"`
}

// Add applies units gifts worth unitValue each.
func (c *Counter) Add(units int, unitValue int64) {
	c.Count += int64(units)
	c.Diamonds += unitValue * int64(units)
}

// ValidationError lists every problem found in a group set.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidGroups
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and group ID uniqueness.
func Validate(groups []Group) error {
	var problems []string
	seen := make(map[string]bool, len(groups))

	for i, g := range groups {
		if err := getValidator().Struct(g); err != nil {
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				return fmt.Errorf("validating group %d: %w", i, err)
			}
			for _, fe := range verrs {
				problems = append(problems, describe(i, g.ID, fe))
			}
		}
		if g.ID != "" {
			if seen[g.ID] {
				problems = append(problems, fmt.Sprintf("group %q: duplicate id", g.ID))
			}
			seen[g.ID] = true
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func describe(index int, id string, fe validator.FieldError) string {
	label := fmt.Sprintf("group %d", index)
	if id != "" {
		label = fmt.Sprintf("group %q", id)
	}
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: %s is required", label, field)
	case "max":
		return fmt.Sprintf("%s: %s must be at most %s characters", label, field, fe.Param())
	case "iscolor":
		return fmt.Sprintf("%s: %s is not a color", label, field)
	case "gte":
		return fmt.Sprintf("%s: %s must not be negative", label, field)
	case "gt":
		return fmt.Sprintf("%s: %s must contain positive gift ids", label, fe.Namespace())
	default:
		return fmt.Sprintf("%s: %s failed %s", label, field, fe.Tag())
	}
}
