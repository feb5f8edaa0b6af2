// Package search describes what to crawl and turns it into fetch requests.
package search

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxPagesPerKeyword bounds how deep a single keyword may be paged.
const MaxPagesPerKeyword = 50

// RemoteMode filters listings by remote-work arrangement.
type RemoteMode string

const (
	// RemoteNone applies no remote-work filter.
	RemoteNone RemoteMode = "none"
	// RemoteFull restricts results to fully remote listings.
	RemoteFull RemoteMode = "full"
	// RemotePartial restricts results to partially remote listings.
	RemotePartial RemoteMode = "partial"
	// RemoteBoth accepts fully and partially remote listings.
	RemoteBoth RemoteMode = "both"
)

var areaCodePattern = regexp.MustCompile(`^[0-9]{10}$`)

var validate = newValidator()

// Specification is a validated description of one crawl.
type Specification struct {
	Keywords        []string   `json:"keywords" validate:"required,min=1,dive,keyword"`
	PagesPerKeyword int        `json:"pagesPerKeyword" validate:"min=1,max=50"`
	AreaCodes       []string   `json:"areaCodes,omitempty" validate:"omitempty,dive,areacode"`
	RemoteMode      RemoteMode `json:"remoteMode" validate:"oneof=none full partial both"`
}

// ValidationError lists every problem found in a Specification.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid search specification: " + strings.Join(e.Problems, "; ")
}

// New normalizes the inputs and returns a validated Specification.
// Keywords are trimmed, area codes are de-duplicated in order and an empty
// remote mode means RemoteNone.
func New(keywords []string, pages int, areaCodes []string, mode RemoteMode) (Specification, error) {
	spec := Specification{
		Keywords:        make([]string, 0, len(keywords)),
		PagesPerKeyword: pages,
		RemoteMode:      RemoteMode(strings.ToLower(strings.TrimSpace(string(mode)))),
	}
	for _, kw := range keywords {
		spec.Keywords = append(spec.Keywords, strings.TrimSpace(kw))
	}
	if spec.RemoteMode == "" {
		spec.RemoteMode = RemoteNone
	}
	seen := make(map[string]struct{}, len(areaCodes))
	for _, code := range areaCodes {
		code = strings.TrimSpace(code)
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		spec.AreaCodes = append(spec.AreaCodes, code)
	}
	if err := spec.Validate(); err != nil {
		return Specification{}, err
	}
	return spec, nil
}

// Validate reports all problems with the specification as a *ValidationError.
func (s Specification) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate search specification: %w", err)
	}
	problems := make([]string, 0, len(fieldErrs))
	seen := make(map[string]struct{}, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := describe(fe)
		if _, dup := seen[msg]; dup {
			continue
		}
		seen[msg] = struct{}{}
		problems = append(problems, msg)
	}
	return &ValidationError{Problems: problems}
}

// Clone returns a deep copy so callers never share backing arrays.
func (s Specification) Clone() Specification {
	out := s
	out.Keywords = append([]string(nil), s.Keywords...)
	if len(s.AreaCodes) > 0 {
		out.AreaCodes = append([]string(nil), s.AreaCodes...)
	} else {
		out.AreaCodes = nil
	}
	return out
}

func describe(fe validator.FieldError) string {
	field := fe.StructField()
	switch {
	case field == "Keywords":
		return "keywords must be a non-empty list"
	case strings.HasPrefix(field, "Keywords["):
		return fmt.Sprintf("%s must be a non-empty string", strings.ToLower(field[:1])+field[1:])
	case field == "PagesPerKeyword":
		return fmt.Sprintf("pages must be between 1 and %d", MaxPagesPerKeyword)
	case strings.HasPrefix(field, "AreaCodes"):
		return fmt.Sprintf("invalid area code format: %v", fe.Value())
	case field == "RemoteMode":
		return fmt.Sprintf("unknown remote mode: %q", fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "keyword", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	mustRegister(v, "areacode", func(fl validator.FieldLevel) bool {
		return areaCodePattern.MatchString(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}
