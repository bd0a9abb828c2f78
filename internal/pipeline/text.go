package pipeline

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	minTextLength = 100
	ocrMarker     = "\n\n--- OCR Content ---\n\n"
	maxSectionLen = 1000
)

// NeedsOCR reports whether extracted text is too short or too noisy to trust.
func NeedsOCR(text string, readableThreshold float64) bool {
	total := utf8.RuneCountInString(text)
	if total < minTextLength {
		return true
	}
	readable := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			readable++
		}
	}
	return float64(readable)/float64(total) < readableThreshold
}

// MergeOCR appends OCR output to the extracted text, marking the boundary.
func MergeOCR(extracted, ocr string) string {
	if extracted == "" {
		return ocr
	}
	if ocr == "" {
		return extracted
	}
	return extracted + ocrMarker + ocr
}

var sectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"objeto", regexp.MustCompile(`(?is)(?:OBJETO|1\s*[-–]\s*DO\s+OBJETO)(.*?)(?:2\s*[-–]|\n\n)`)},
	{"valor", regexp.MustCompile(`(?is)(?:VALOR|ESTIMADO|ORÇAMENTO)(.*?)(?:\n\n|$)`)},
	{"prazo", regexp.MustCompile(`(?is)(?:PRAZO|ENTREGA|EXECUÇÃO)(.*?)(?:\n\n|$)`)},
	{"pagamento", regexp.MustCompile(`(?is)(?:PAGAMENTO|CONDIÇÕES)(.*?)(?:\n\n|$)`)},
	{"habilitacao", regexp.MustCompile(`(?is)(?:HABILITAÇÃO|DOCUMENTOS)(.*?)(?:\n\n|$)`)},
}

// IdentifySections pulls the first match of each well-known edital section.
func IdentifySections(text string) map[string]string {
	sections := make(map[string]string)
	for _, p := range sectionPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		body := strings.TrimSpace(m[1])
		if body == "" {
			continue
		}
		if utf8.RuneCountInString(body) > maxSectionLen {
			body = string([]rune(body)[:maxSectionLen])
		}
		sections[p.name] = body
	}
	return sections
}

// ChunkText splits text on word boundaries into chunks of at most maxLen
// characters. A single word longer than maxLen becomes its own chunk. The
// result always has at least one element.
func ChunkText(text string, maxLen int) []string {
	words := strings.Fields(text)
	if len(words) == 0 || maxLen <= 0 {
		return []string{strings.TrimSpace(text)}
	}

	var chunks []string
	var current []string
	length := 0
	for _, w := range words {
		wl := utf8.RuneCountInString(w) + 1
		if length+wl > maxLen && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))
			current = current[:0]
			length = 0
		}
		current = append(current, w)
		length += wl
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// fold lower-cases and strips diacritics so keyword matching ignores accents.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// DetectLanguage returns the ISO 639-1 code of the dominant language, or "" when unsure.
func DetectLanguage(text string) string {
	sample := text
	if len(sample) > 20000 {
		sample = sample[:20000]
	}
	if strings.TrimSpace(sample) == "" {
		return ""
	}
	info := whatlanggo.Detect(sample)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
