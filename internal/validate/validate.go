// Package validate is the pure validation engine for order field values.
// It performs no I/O, never panics, and reports every violation it finds
// rather than stopping at the first one.
package validate

import (
	"fmt"
	"strings"
	"time"

	"github.com/fieldserv/api/internal/enum"
	"github.com/fieldserv/api/internal/schema"
	"github.com/shopspring/decimal"
)

// Violation is one human-readable rule failure for a field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Options tweak rule evaluation for a particular submission.
type Options struct {
	// ToFeed marks a submission that explicitly routes the order to the
	// unassigned feed; assignee-kind required rules are suppressed.
	ToFeed bool
}

// acceptedDateLayouts are the formats a date field may arrive in.
var acceptedDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Order checks values against the schema set. All rules are evaluated; the
// result lists every violation. values maps field key to the raw form value.
func Order(values map[string]string, set schema.Set, opts Options) []Violation {
	var out []Violation

	for _, def := range set.Definitions() {
		if !def.Active {
			continue
		}
		raw := values[def.Key]

		if def.Required {
			if v := requiredViolation(def, raw, opts); v != nil {
				out = append(out, *v)
				// A missing value needs no further format checks.
				continue
			}
		}

		if strings.TrimSpace(raw) == "" {
			continue
		}
		if v := kindViolation(def, raw); v != nil {
			out = append(out, *v)
		}
	}

	return out
}

// requiredViolation applies the required-field rule for one definition.
func requiredViolation(def schema.Definition, raw string, opts Options) *Violation {
	switch def.Kind {
	case enum.KindPhone:
		// Phone required-ness is digit presence, not trim-emptiness: a value
		// with no digits at all counts as missing, not as a bad number.
		if NormalizePhone(raw) == "" {
			return &Violation{Field: def.Key, Message: fmt.Sprintf("%s is required", def.Label)}
		}
		return nil
	case enum.KindDate:
		if _, ok := ParseDate(raw); !ok {
			return &Violation{Field: def.Key, Message: fmt.Sprintf("%s must be a valid date", def.Label)}
		}
		return nil
	case enum.KindAssignee:
		if opts.ToFeed {
			// Explicitly routed to the feed: no assignee needed.
			return nil
		}
		if strings.TrimSpace(raw) == "" {
			return &Violation{Field: def.Key, Message: fmt.Sprintf("%s is required", def.Label)}
		}
		return nil
	default:
		if strings.TrimSpace(raw) == "" {
			return &Violation{Field: def.Key, Message: fmt.Sprintf("%s is required", def.Label)}
		}
		return nil
	}
}

// kindViolation applies the format rule for one non-empty value, dispatched
// on the field kind.
func kindViolation(def schema.Definition, raw string) *Violation {
	rule, ok := kindRules[def.Kind]
	if !ok {
		return nil
	}
	return rule(def, raw)
}

// kindRules is the per-kind format rule table. Kinds without an entry
// (text, select, assignee, flag) accept any non-empty value.
var kindRules = map[string]func(def schema.Definition, raw string) *Violation{
	enum.KindPhone: func(def schema.Definition, raw string) *Violation {
		if !ValidPhone(raw) {
			return &Violation{Field: def.Key, Message: fmt.Sprintf("%s is not a valid mobile number", def.Label)}
		}
		return nil
	},
	enum.KindMoney: func(def schema.Definition, raw string) *Violation {
		amount, err := ParseMoney(raw)
		if err != nil {
			return &Violation{Field: def.Key, Message: fmt.Sprintf("%s must be a number", def.Label)}
		}
		if amount.IsNegative() {
			return &Violation{Field: def.Key, Message: fmt.Sprintf("%s must not be negative", def.Label)}
		}
		return nil
	},
	enum.KindDate: func(def schema.Definition, raw string) *Violation {
		if _, ok := ParseDate(raw); !ok {
			return &Violation{Field: def.Key, Message: fmt.Sprintf("%s must be a valid date", def.Label)}
		}
		return nil
	},
}

// FieldsEqual is the confirmation-field rule: when both values are
// non-empty, confirm must equal primary.
func FieldsEqual(field, label, primary, confirm string) *Violation {
	if primary == "" || confirm == "" {
		return nil
	}
	if primary != confirm {
		return &Violation{Field: field, Message: fmt.Sprintf("%s does not match", label)}
	}
	return nil
}

// NormalizePhone strips everything but digits and rewrites a leading 8 of
// an 11-digit number to 7. Idempotent.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '8' {
		digits = "7" + digits[1:]
	}
	return digits
}

// ValidPhone reports whether s normalizes to a valid Russian mobile number:
// exactly 11 digits starting with 79.
func ValidPhone(s string) bool {
	digits := NormalizePhone(s)
	return len(digits) == 11 && strings.HasPrefix(digits, "79")
}

// DialablePhone renders the canonical dialable form (+7...). Returns the
// normalized digits with a bare + prefix when the number is not valid.
func DialablePhone(s string) string {
	digits := NormalizePhone(s)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// ParseMoney parses a decimal amount accepting either '.' or ',' as the
// separator.
func ParseMoney(s string) (decimal.Decimal, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	return decimal.NewFromString(normalized)
}

// ParseDate tries the accepted date layouts in order.
func ParseDate(s string) (time.Time, bool) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range acceptedDateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
