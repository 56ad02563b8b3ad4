// Package resolve normalizes free-text brand and location tokens using fixed synonym tables.
package resolve

import (
	"strings"
	"unicode"
)

type brandSet struct {
	canonical string
	variants  []string
}

// brands is ordered; lookups walk it front to back so results are deterministic.
var brands = []brandSet{
	{"lada", []string{
		"lada", "лада", "ваз", "ваза", "вазик", "жигули", "жигуль",
		"классика", "копейка", "шестерка", "семерка", "восьмерка",
		"девятка", "десятка", "приора", "приору", "гранта", "гранту",
		"калина", "калину", "веста", "весту",
	}},
	{"renault", []string{"renault", "рено", "реноль", "ренуо", "ренаулт"}},
	{"kia", []string{"kia", "киа", "кья", "киас", "киашка", "рио", "rio"}},
	{"hyundai", []string{"hyundai", "хендай", "хюндай", "хендэ", "solaris", "соларис", "элантра", "elantra", "creta", "крета"}},
	{"nissan", []string{"nissan", "ниссан", "нисан"}},
	{"toyota", []string{"toyota", "тойота", "тоета"}},
	{"mazda", []string{"mazda", "мазда", "мазды"}},
	{"volkswagen", []string{"volkswagen", "фольксваген", "волкцваген", "ваген", "жук", "vw"}},
	{"skoda", []string{"skoda", "шкода", "шкодовский"}},
	{"ford", []string{"ford", "форд", "форды"}},
	{"chevrolet", []string{"chevrolet", "шевроле", "шевролет", "шевроль"}},
	{"bmw", []string{"bmw", "бмв", "бэха", "беха", "беху"}},
	{"mercedes", []string{"mercedes", "мерседес", "мерс"}},
	{"audi", []string{"audi", "ауди", "аудик"}},
	{"volvo", []string{"volvo", "вольво", "волво"}},
	{"subaru", []string{"subaru", "субару", "субарус"}},
	{"honda", []string{"honda", "хонда", "хунда", "хонду", "хондуля"}},
	{"suzuki", []string{"suzuki", "сузуки", "сузукис"}},
	{"mitsubishi", []string{"mitsubishi", "мицубиси", "мицубиша"}},
	{"opel", []string{"opel", "опель", "опелек"}},
	{"daewoo", []string{"daewoo", "дэу", "даеву"}},
	{"gaz", []string{"gaz", "газ", "газель", "газик"}},
	{"uaz", []string{"uaz", "уаз", "уазик", "буханка"}},
	{"moskvich", []string{"moskvich", "москвич", "москвичи"}},
}

var cityToRegion = map[string]string{
	"назрань":         "ингушетия",
	"магас":           "ингушетия",
	"карабулак":       "ингушетия",
	"грозный":         "чечня",
	"шали":            "чечня",
	"махачкала":       "дагестан",
	"дербент":         "дагестан",
	"москва":          "москва",
	"мск":             "москва",
	"санкт-петербург": "санкт-петербург",
	"спб":             "санкт-петербург",
	"питер":           "санкт-петербург",
}

// Clean lowercases s and drops everything except letters, spaces, hyphens and underscores.
func Clean(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// CanonicalBrand returns the canonical brand a token belongs to, or "" if unknown.
func CanonicalBrand(token string) string {
	t := Clean(token)
	if t == "" {
		return ""
	}
	for _, set := range brands {
		if t == set.canonical {
			return set.canonical
		}
		for _, v := range set.variants {
			if t == v {
				return set.canonical
			}
		}
	}
	return ""
}

// BrandMatches reports whether listingBrand belongs to the synonym set of filterBrand.
func BrandMatches(filterBrand, listingBrand string) bool {
	canonical := CanonicalBrand(filterBrand)
	if canonical == "" {
		return false
	}
	l := Clean(listingBrand)
	if l == "" {
		return false
	}
	for _, set := range brands {
		if set.canonical != canonical {
			continue
		}
		for _, v := range set.variants {
			if strings.Contains(l, v) || strings.Contains(v, l) {
				return true
			}
		}
	}
	return false
}

// NormalizeRegion maps a city name to its parent region. Unmapped names pass through lowercased.
func NormalizeRegion(city string) string {
	c := strings.ToLower(strings.TrimSpace(city))
	if r, ok := cityToRegion[c]; ok {
		return r
	}
	return c
}

// RegionMatches performs a bidirectional case-insensitive substring test
// between the filter region and the normalized listing region.
func RegionMatches(filterRegion, listingRegion string) bool {
	f := strings.ToLower(strings.TrimSpace(filterRegion))
	l := NormalizeRegion(listingRegion)
	if f == "" {
		return true
	}
	if l == "" {
		return false
	}
	return strings.Contains(l, f) || strings.Contains(f, l)
}
