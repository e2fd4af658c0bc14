package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Digraphs and letters the generic diacritic fold does not cover.
var serbianLatin = strings.NewReplacer(
	"đ", "dj", "Đ", "dj",
	"љ", "lj", "Љ", "lj",
	"њ", "nj", "Њ", "nj",
	"џ", "dz", "Џ", "dz",
	"ђ", "dj", "Ђ", "dj",
	"ж", "z", "Ж", "z",
	"ц", "c", "Ц", "c",
	"ч", "c", "Ч", "c",
	"ш", "s", "Ш", "s",
	"ћ", "c", "Ћ", "c",
	"а", "a", "А", "a",
	"б", "b", "Б", "b",
	"в", "v", "В", "v",
	"г", "g", "Г", "g",
	"д", "d", "Д", "d",
	"е", "e", "Е", "e",
	"з", "z", "З", "z",
	"и", "i", "И", "i",
	"ј", "j", "Ј", "j",
	"к", "k", "К", "k",
	"л", "l", "Л", "l",
	"м", "m", "М", "m",
	"н", "n", "Н", "n",
	"о", "o", "О", "o",
	"п", "p", "П", "p",
	"р", "r", "Р", "r",
	"с", "s", "С", "s",
	"т", "t", "Т", "t",
	"у", "u", "У", "u",
	"ф", "f", "Ф", "f",
	"х", "h", "Х", "h",
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldCode canonicalises a user-typed code: trims, lowercases, transliterates
// Serbian Cyrillic to bare Latin and strips diacritics, so "LETO-ČetrdesetPet"
// and "лето-цетрдесетпет" resolve to the same coupon.
func FoldCode(value string) string {
	lowered := strings.ToLower(strings.TrimSpace(value))
	if lowered == "" {
		return ""
	}
	lowered = serbianLatin.Replace(lowered)
	folded, _, err := transform.String(foldTransformer, lowered)
	if err != nil {
		return lowered
	}
	return folded
}

// FoldEmail canonicalises an e-mail address for dedup comparisons.
func FoldEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// FoldPhone keeps only the digits and a leading plus so formatting
// differences never defeat customer deduplication.
func FoldPhone(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range trimmed {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
