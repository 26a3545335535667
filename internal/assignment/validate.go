package assignment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxFilterLen is the longest accepted title filter, in characters.
const MaxFilterLen = 50

// ErrInvalidFilter wraps every rejection from ValidateFilter.
var ErrInvalidFilter = errors.New("invalid filter")

var validate = validator.New()

type filterInput struct {
	Filter string `validate:"required,max=50"`
}

// ValidateFilter trims f and checks that it is non-empty and at most
// MaxFilterLen characters.
func ValidateFilter(f string) (string, error) {
	in := filterInput{Filter: strings.TrimSpace(f)}
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			switch verrs[0].Tag() {
			case "required":
				return "", fmt.Errorf("%w: filter is empty", ErrInvalidFilter)
			case "max":
				return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidFilter, MaxFilterLen)
			}
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return in.Filter, nil
}
