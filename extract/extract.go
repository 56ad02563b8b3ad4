// Package extract turns listing-page markup into structured listing candidates.
//
// Extraction is best effort: any field that cannot be read is left unset, and a
// fragment that cannot be identified or is not a car advertisement is dropped.
// Nothing in this package performs I/O or returns a parse failure for a single
// fragment.
package extract

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"carwatch/pkg/carwatch"
)

const (
	fragmentSelector = "div.board_list_item"
	titleSelector    = "h3.board_list_item_title"

	minIDDigits = 4
	maxModelLen = 100
	maxTitleLen = 255

	minYear = 1980
	maxYear = 2029

	minPrice       = 5_000
	maxPrice       = 50_000_000
	thousandsFloor = 10
	thousandsCeil  = 5_000

	minMileage = 1_000
	maxMileage = 1_000_000
)

// nonVehicle lists title keywords of ads that are not passenger cars for sale.
var nonVehicle = []string{
	"эвакуатор", "установка гбо", "ремонт", "покраска", "диагностика",
	"шиномонтаж", "запчасти", "детали", "аренда авто", "прокат авто",
	"грузовой", "грузовик", "камаз", "автобус", "прицеп", "мотоцикл",
	"скутер", "квадроцикл", "выкуп авто", "залог", "на запчасти",
	"битый", "аварийный",
}

// brandTokens is scanned in order; the first token found in the title wins.
var brandTokens = []string{
	"lada", "ваз", "лада", "приора", "приору", "гранта", "гранту",
	"калина", "калину", "веста", "весту", "ренуо", "renault", "рено",
	"киа", "kia", "хендай", "hyundai", "тойота", "toyota", "ниссан",
	"nissan", "мазда", "mazda", "мицубиси", "mitsubishi", "шкода",
	"skoda", "фольксваген", "волкцваген", "volkswagen", "vw", "опель",
	"opel", "форд", "ford", "шевроле", "шевролет", "chevrolet", "мерседес",
	"мерс", "бмв", "бэха", "беха", "беху", "bmw", "ауди", "audi", "вольво",
	"volvo", "субару", "subaru", "хонда", "хунда", "хонду", "honda",
	"сузуки", "suzuki", "дэу", "даеву", "daewoo", "газель", "газ", "уаз",
	"уазик", "moskvich", "москвич", "элантра", "elantra", "solaris",
	"соларис", "рио", "rio", "creta", "крета",
}

var (
	yearRe     = regexp.MustCompile(`\b(19[89]\d|20[012]\d)\b`)
	currencyRe = regexp.MustCompile(`(?i)₽|руб`)
	priceRe    = regexp.MustCompile(`(?i)₽|руб|тыс`)
	digitsRe   = regexp.MustCompile(`\d[\d ]*`)
	distanceRe = regexp.MustCompile(`(?i)км|пробег`)
	mileageRe  = regexp.MustCompile(`(?i)пробег|км|тыс`)
	mileageNum = regexp.MustCompile(`(?i)(\d+[\s.]?\d*)\s*(тыс\.?|т\.?|км)`)
	regionRe   = regexp.MustCompile(`(?i)Москва|СПб|Санкт-Петербург|Новосибирск|Екатеринбург|Казань|Нижний|Челябинск|` +
		`Омск|Самара|Ростов|Уфа|Красноярск|Воронеж|Пермь|Волгоград|Назрань|Магас|Карабулак|` +
		`Ингушетия|Чечня|Дагестан|Грозный|Дербент|Махачкала|Владикавказ`)
)

// Extractor converts fragments of one source into candidates.
type Extractor struct {
	base   *url.URL
	source string
}

// New creates an extractor for source, resolving relative links against baseURL.
func New(source, baseURL string) (*Extractor, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &Extractor{base: u, source: source}, nil
}

// ParsePage splits a listing page into one fragment per advertisement.
func ParsePage(markup []byte) ([]*goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	var fragments []*goquery.Selection
	doc.Find(fragmentSelector).Each(func(_ int, s *goquery.Selection) {
		fragments = append(fragments, s)
	})
	return fragments, nil
}

// Extract returns the candidate described by fragment, or false when the
// fragment has no link, is not a car ad, or names no known brand.
func (e *Extractor) Extract(fragment *goquery.Selection, observedAt time.Time) (c *carwatch.Candidate, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c, ok = nil, false
		}
	}()

	if fragment == nil || fragment.Length() == 0 {
		return nil, false
	}

	link := e.detailLink(fragment)
	if link == nil {
		return nil, false
	}

	title := truncate(titleText(fragment), maxTitleLen)
	lowerTitle := strings.ToLower(title)
	for _, word := range nonVehicle {
		if strings.Contains(lowerTitle, word) {
			return nil, false
		}
	}

	brand, model := splitBrand(title)
	if brand == "" {
		return nil, false
	}

	root := fragment.Nodes[0]
	absURL := link.String()
	priceValue, priceText := price(root)

	return &carwatch.Candidate{
		Source:     e.source,
		ExternalID: externalID(link, title),
		Title:      title,
		Brand:      brand,
		Model:      truncate(model, maxModelLen),
		Year:       year(title),
		Price:      priceValue,
		Mileage:    mileage(root, priceText),
		Region:     region(root),
		URL:        absURL,
		PhotoURL:   e.photo(fragment),
		ObservedAt: observedAt,
	}, true
}

func (e *Extractor) detailLink(fragment *goquery.Selection) *url.URL {
	for _, sel := range []string{titleSelector + " a[href]", `a[href*="/content/"]`, "a[href]"} {
		href, ok := fragment.Find(sel).First().Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			continue
		}
		u, err := e.base.Parse(href)
		if err != nil {
			continue
		}
		return u
	}
	return nil
}

func (e *Extractor) photo(fragment *goquery.Selection) string {
	src, ok := fragment.Find("img[src]").First().Attr("src")
	src = strings.TrimSpace(src)
	if !ok || src == "" {
		return ""
	}
	u, err := e.base.Parse(src)
	if err != nil {
		return ""
	}
	return u.String()
}

func titleText(fragment *goquery.Selection) string {
	t := fragment.Find(titleSelector).First()
	if t.Length() == 0 {
		t = fragment.Find("a").First()
	}
	return collapse(t.Text())
}

// externalID uses the trailing numeric path segment of the listing URL.
// Anything else falls back to a hash of the URL and title, which is not
// stable if the source changes its URL format.
func externalID(u *url.URL, title string) string {
	seg := path.Base(strings.TrimRight(u.Path, "/"))
	if len(seg) >= minIDDigits && allDigits(seg) {
		return seg
	}
	h := fnv.New64a()
	h.Write([]byte(u.String()))
	h.Write([]byte{0})
	h.Write([]byte(title))
	return fmt.Sprintf("h%016x", h.Sum64())
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// splitBrand finds the first known brand token in title and returns it
// capitalized, together with the title text that follows it.
func splitBrand(title string) (brand, model string) {
	orig := []rune(title)
	lower := make([]rune, len(orig))
	for i, r := range orig {
		lower[i] = unicode.ToLower(r)
	}
	ls := string(lower)

	for _, tok := range brandTokens {
		i := strings.Index(ls, tok)
		if i < 0 {
			continue
		}
		start := utf8.RuneCountInString(ls[:i])
		end := start + utf8.RuneCountInString(tok)
		model = strings.TrimLeft(string(orig[end:]), " ,-–—:")
		return capitalize(tok), strings.TrimSpace(model)
	}
	return "", ""
}

func year(title string) *int {
	m := yearRe.FindStringSubmatch(title)
	if m == nil {
		return nil
	}
	y, err := strconv.Atoi(m[1])
	if err != nil || y < minYear || y > maxYear {
		return nil
	}
	return &y
}

// price reads the first currency-marked text and also returns that text.
// Bare numbers in [10, 5000] are taken as thousands.
func price(root *html.Node) (*int, string) {
	text, ok := findMarked(root, priceRe, func(s string) bool {
		return distanceRe.MatchString(s) && !currencyRe.MatchString(s)
	})
	if !ok {
		return nil, ""
	}
	raw := digitsRe.FindString(text)
	if raw == "" {
		return nil, ""
	}
	v, err := strconv.Atoi(strings.ReplaceAll(raw, " ", ""))
	if err != nil {
		return nil, ""
	}
	if v >= thousandsFloor && v <= thousandsCeil {
		v *= 1000
	}
	if v < minPrice || v > maxPrice {
		return nil, ""
	}
	return &v, text
}

// mileage skips the text already read as the price, so a bare "450 тыс"
// is never both.
func mileage(root *html.Node, priceText string) *int {
	text, ok := findMarked(root, mileageRe, func(s string) bool {
		return currencyRe.MatchString(s) || (priceText != "" && s == priceText)
	})
	if !ok {
		return nil
	}
	m := mileageNum.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	digits := strings.NewReplacer(" ", "", ".", "").Replace(m[1])
	v, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	if strings.Contains(strings.ToLower(m[2]), "т") {
		v *= 1000
	}
	if v < minMileage || v > maxMileage {
		return nil
	}
	return &v
}

func region(root *html.Node) string {
	var found string
	walk(root, func(n *html.Node) bool {
		if n.Type != html.TextNode {
			return false
		}
		if m := regionRe.FindString(n.Data); m != "" {
			found = m
			return true
		}
		return false
	})
	return found
}

// findMarked returns the normalized text of the parent of the first text node
// matching marker, skipping parents for which skip reports true.
func findMarked(root *html.Node, marker *regexp.Regexp, skip func(string) bool) (string, bool) {
	var text string
	found := walk(root, func(n *html.Node) bool {
		if n.Type != html.TextNode || n.Parent == nil || !marker.MatchString(n.Data) {
			return false
		}
		t := collapse(textOf(n.Parent))
		if skip != nil && skip(t) {
			return false
		}
		text = t
		return true
	})
	return text, found
}

// walk visits n and its descendants in document order until visit returns true.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if visit(n) {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if walk(c, visit) {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		return false
	})
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
