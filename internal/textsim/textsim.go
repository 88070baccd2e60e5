// Package textsim provides text cleaning and fuzzy similarity measures.
//
// Every measure returns a score in [0,1] and works on runes, so multi-byte
// characters count once.
package textsim

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// invisible runes dropped by Clean: soft hyphen, BOM and zero-width marks.
var invisible = map[rune]bool{
	'\u00ad': true,
	'\ufeff': true,
	'\u200b': true,
	'\u200c': true,
	'\u200d': true,
	'\u2060': true,
}

// Clean applies NFC, strips invisible characters and trims. It keeps case and
// inner whitespace, so it is what exact-text matching compares.
func Clean(s string) string {
	s = norm.NFC.String(s)
	if strings.IndexFunc(s, func(r rune) bool { return invisible[r] }) >= 0 {
		s = strings.Map(func(r rune) rune {
			if invisible[r] {
				return -1
			}
			return r
		}, s)
	}
	return strings.TrimSpace(s)
}

// Normalize is Clean plus whitespace collapsing and Unicode case folding.
func Normalize(s string) string {
	s = strings.Join(strings.Fields(Clean(s)), " ")
	return cases.Fold().String(s)
}

// Words splits the normalized text into words.
func Words(s string) []string {
	return strings.Fields(Normalize(s))
}

// RuneCount counts the runes of the normalized text, ignoring whitespace.
func RuneCount(s string) int {
	n := 0
	for _, r := range Normalize(s) {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// Ratio is the indel similarity 2*LCS/(len(a)+len(b)) on raw input.
func Ratio(a, b string) float64 {
	return ratioRunes([]rune(a), []rune(b))
}

func ratioRunes(a, b []rune) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return 2 * float64(lcs(a, b)) / float64(len(a)+len(b))
}

// lcs returns the length of the longest common subsequence.
func lcs(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// PartialRatio is the best Ratio of the shorter string against every
// equal-length window of the longer one.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 1
		}
		return 0
	}
	if strings.Contains(string(long), string(short)) {
		return 1
	}

	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		if s := ratioRunes(short, long[i:i+len(short)]); s > best {
			best = s
			if best == 1 {
				break
			}
		}
	}
	return best
}

// TokenSortRatio compares the words of both strings after sorting them.
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortedJoin(strings.Fields(a)), sortedJoin(strings.Fields(b)))
}

// TokenSetRatio compares the shared words against each side's remainder.
// A string whose words are a subset of the other's scores 1.
func TokenSetRatio(a, b string) float64 {
	wa, wb := wordSet(strings.Fields(a)), wordSet(strings.Fields(b))
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	var sect, onlyA, onlyB []string
	for w := range wa {
		if wb[w] {
			sect = append(sect, w)
		} else {
			onlyA = append(onlyA, w)
		}
	}
	for w := range wb {
		if !wa[w] {
			onlyB = append(onlyB, w)
		}
	}

	t0 := sortedJoin(sect)
	t1 := strings.TrimSpace(t0 + " " + sortedJoin(onlyA))
	t2 := strings.TrimSpace(t0 + " " + sortedJoin(onlyB))

	best := Ratio(t1, t2)
	if t0 != "" {
		best = max(best, Ratio(t0, t1), Ratio(t0, t2))
	}
	return best
}

// WordOverlap is the Jaccard index of the two word sets.
func WordOverlap(a, b string) float64 {
	wa, wb := wordSet(strings.Fields(a)), wordSet(strings.Fields(b))
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

// BestScore normalizes both texts and returns the maximum of Ratio,
// PartialRatio, TokenSortRatio, TokenSetRatio and WordOverlap.
func BestScore(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return max(
		Ratio(na, nb),
		PartialRatio(na, nb),
		TokenSortRatio(na, nb),
		TokenSetRatio(na, nb),
		WordOverlap(na, nb),
	)
}

// Equal reports whether two texts are equal after Normalize.
func Equal(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}

func sortedJoin(words []string) string {
	sorted := append([]string(nil), words...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
