package similarity

import "github.com/rivo/uniseg"

// Distance returns the Levenshtein distance between a and b counted in
// user-perceived characters (grapheme clusters). No normalization is applied.
func Distance(a, b string) int {
	if a == b {
		return 0
	}
	return distance(segment(a), segment(b))
}

// Length returns the number of grapheme clusters in s.
func Length(s string) int {
	return uniseg.GraphemeClusterCount(s)
}

func segment(s string) []string {
	if s == "" {
		return nil
	}
	units := make([]string, 0, len(s))
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		units = append(units, g.Str())
	}
	return units
}

// distance keeps a single row sized to the shorter sequence.
func distance(a, b []string) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a)
	}

	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		diag := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			above := row[j]
			row[j] = min(above+1, row[j-1]+1, diag+cost)
			diag = above
		}
	}
	return row[len(b)]
}
