package collaboration

import (
	"math"
	"strings"
	"unicode"

	"github.com/BaSui01/swarmflow/types"
)

// Similarity compares two results in [0,1]. Textual results use bigram
// Dice similarity of their normalised content; otherwise the results are
// compared by confidence proximity.
func Similarity(a, b *types.Result) float64 {
	if a == nil || b == nil {
		return 0
	}
	if a.IsText() && b.IsText() {
		return BigramDice(a.Content, b.Content)
	}
	return 1 - math.Abs(a.Confidence-b.Confidence)
}

// BigramDice returns the Sørensen–Dice coefficient over character
// bigrams of the normalised strings.
func BigramDice(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1
	}
	if len([]rune(na)) < 2 || len([]rune(nb)) < 2 {
		return 0
	}

	ga := bigrams(na)
	var total int
	for _, n := range ga {
		total += n
	}
	var inter int
	countB := 0
	rb := []rune(nb)
	for i := 0; i+1 < len(rb); i++ {
		countB++
		g := string(rb[i : i+2])
		if ga[g] > 0 {
			ga[g]--
			inter++
		}
	}
	return 2 * float64(inter) / float64(total+countB)
}

func bigrams(s string) map[string]int {
	r := []rune(s)
	out := make(map[string]int, len(r))
	for i := 0; i+1 < len(r); i++ {
		out[string(r[i:i+2])]++
	}
	return out
}

// normalize lower-cases, drops punctuation and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			space = true
		}
	}
	return b.String()
}
