package pool

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Any is the stored value of an attribute or preference that was not given.
const Any = "any"

// Genders with a defined opposite.
const (
	GenderMale   = "male"
	GenderFemale = "female"
)

// Age ranges, youngest first.
const (
	AgeUnder18 = "under-18"
	Age18to21  = "18-21"
	Age22to25  = "22-25"
	Age26to30  = "26-30"
	Age31to40  = "31-40"
	Age41Plus  = "41+"
)

// AgeRanges lists every range label in ascending order.
var AgeRanges = []string{AgeUnder18, Age18to21, Age22to25, Age26to30, Age31to40, Age41Plus}

var genderAliases = map[string]string{
	"m":      GenderMale,
	"man":    GenderMale,
	"male":   GenderMale,
	"f":      GenderFemale,
	"woman":  GenderFemale,
	"female": GenderFemale,
}

// Normalize folds a free-form attribute into its stored form: NFKC, lower
// case, trimmed, with empty input becoming Any.
func Normalize(value string) string {
	// Casers keep state and must not be shared between goroutines.
	folded := cases.Lower(language.Und).String(norm.NFKC.String(value))
	folded = strings.TrimSpace(folded)
	if folded == "" {
		return Any
	}
	return folded
}

// NormalizeGender maps common spellings of male and female onto their
// canonical values. Other values pass through Normalize unchanged.
func NormalizeGender(value string) string {
	n := Normalize(value)
	if canonical, ok := genderAliases[n]; ok {
		return canonical
	}
	return n
}

// Opposite returns the opposite gender, or Any when none is defined.
func Opposite(gender string) string {
	switch gender {
	case GenderMale:
		return GenderFemale
	case GenderFemale:
		return GenderMale
	default:
		return Any
	}
}

// AgeRangeOf buckets a raw age. A value that already names a range is kept;
// anything missing or unparsable is Any.
func AgeRangeOf(raw string) string {
	n := Normalize(raw)
	if n == Any {
		return Any
	}
	if IsAgeRange(n) {
		return n
	}
	age, err := strconv.Atoi(n)
	if err != nil || age < 0 {
		return Any
	}
	switch {
	case age < 18:
		return AgeUnder18
	case age <= 21:
		return Age18to21
	case age <= 25:
		return Age22to25
	case age <= 30:
		return Age26to30
	case age <= 40:
		return Age31to40
	default:
		return Age41Plus
	}
}

// IsAgeRange reports whether value is one of AgeRanges.
func IsAgeRange(value string) bool {
	for _, r := range AgeRanges {
		if r == value {
			return true
		}
	}
	return false
}
