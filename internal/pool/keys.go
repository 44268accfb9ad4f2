package pool

// AllKey is the FIFO index holding every waiting user scored by join time.
const AllKey = "waiting:all"

const (
	entryPrefix = "waiting:entry:"
	indexPrefix = "waiting:idx:"
)

func EntryKey(userID string) string { return entryPrefix + userID }

func CountryKey(country string) string { return indexPrefix + "country:" + country }

func GenderKey(gender string) string { return indexPrefix + "gender:" + gender }

func AgeKey(ageRange string) string { return indexPrefix + "age:" + ageRange }

func GenderAgeCountryKey(gender, ageRange, country string) string {
	return indexPrefix + "gender:" + gender + ":age:" + ageRange + ":country:" + country
}

func GenderCountryKey(gender, country string) string {
	return indexPrefix + "gender:" + gender + ":country:" + country
}

func GenderAgeKey(gender, ageRange string) string {
	return indexPrefix + "gender:" + gender + ":age:" + ageRange
}

func AgeCountryKey(ageRange, country string) string {
	return indexPrefix + "age:" + ageRange + ":country:" + country
}

// IndexFor returns the narrowest index covering the given constraints. An
// Any component is dropped; with nothing left the FIFO index is returned.
func IndexFor(gender, ageRange, country string) string {
	g, r, c := gender != Any && gender != "", ageRange != Any && ageRange != "", country != Any && country != ""
	switch {
	case g && r && c:
		return GenderAgeCountryKey(gender, ageRange, country)
	case g && c:
		return GenderCountryKey(gender, country)
	case g && r:
		return GenderAgeKey(gender, ageRange)
	case r && c:
		return AgeCountryKey(ageRange, country)
	case g:
		return GenderKey(gender)
	case r:
		return AgeKey(ageRange)
	case c:
		return CountryKey(country)
	default:
		return AllKey
	}
}

// IndexKeys lists every index an entry belongs to, FIFO first. Compound
// indices appear only when all of their components are known.
func (e Entry) IndexKeys() []string {
	keys := []string{AllKey}
	g, r, c := e.Gender != Any, e.AgeRange != Any, e.Country != Any
	if c {
		keys = append(keys, CountryKey(e.Country))
	}
	if g {
		keys = append(keys, GenderKey(e.Gender))
	}
	if r {
		keys = append(keys, AgeKey(e.AgeRange))
	}
	if g && r && c {
		keys = append(keys, GenderAgeCountryKey(e.Gender, e.AgeRange, e.Country))
	}
	if g && c {
		keys = append(keys, GenderCountryKey(e.Gender, e.Country))
	}
	if g && r {
		keys = append(keys, GenderAgeKey(e.Gender, e.AgeRange))
	}
	if r && c {
		keys = append(keys, AgeCountryKey(e.AgeRange, e.Country))
	}
	return keys
}
