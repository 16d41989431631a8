package similarity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput is returned when a classifier is built without references.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInputTooLarge is returned when input exceeds Options.MaxInputLength.
	ErrInputTooLarge = errors.New("input too large")
)

// Outcome is the closed set of classification results.
type Outcome int

const (
	OutcomeMatch Outcome = iota
	OutcomeTie
	OutcomeNoMatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatch:
		return "match"
	case OutcomeTie:
		return "tie"
	case OutcomeNoMatch:
		return "no_match"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "match":
		*o = OutcomeMatch
	case "tie":
		*o = OutcomeTie
	case "no_match":
		*o = OutcomeNoMatch
	default:
		return fmt.Errorf("unknown outcome %q", text)
	}
	return nil
}

// EmptyInputPolicy decides what an empty (post-normalization) input yields.
type EmptyInputPolicy int

const (
	// EmptyCompare classifies empty input like any other string. The distance
	// to each reference is then its length, so the shortest reference wins.
	EmptyCompare EmptyInputPolicy = iota
	// EmptyNoMatch reports OutcomeNoMatch for empty input.
	EmptyNoMatch
)

// Scoring selects how distances are compared across references.
type Scoring int

const (
	// ScoreAbsolute compares raw edit distances.
	ScoreAbsolute Scoring = iota
	// ScoreRelative compares distance divided by the longer of input and
	// reference length, which removes the bias toward short references.
	ScoreRelative
)

func ParseEmptyInputPolicy(s string) (EmptyInputPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "compare":
		return EmptyCompare, nil
	case "no_match":
		return EmptyNoMatch, nil
	default:
		return EmptyCompare, fmt.Errorf("unknown empty input policy %q (want compare|no_match)", s)
	}
}

func ParseScoring(s string) (Scoring, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "absolute":
		return ScoreAbsolute, nil
	case "relative":
		return ScoreRelative, nil
	default:
		return ScoreAbsolute, fmt.Errorf("unknown scoring %q (want absolute|relative)", s)
	}
}

// Options tunes a Classifier. The zero value matches plain Levenshtein
// comparison over NFC text with no input limit.
type Options struct {
	Normalizer     Normalizer
	MaxInputLength int
	EmptyInput     EmptyInputPolicy
	Scoring        Scoring
}

// Result reports a classification. Index is the winning reference for
// OutcomeMatch and -1 otherwise. Distances holds one entry per reference and
// is nil when no comparison ran.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	Index     int     `json:"index"`
	Distances []int   `json:"distances,omitempty"`
	Tied      []int   `json:"tied,omitempty"`
}

// Classifier picks the reference phrase closest to an input string.
// It is immutable after New and safe for concurrent use.
type Classifier struct {
	opts       Options
	references []string
	units      [][]string
}

// New builds a classifier over an ordered, non-empty list of references.
func New(references []string, opts Options) (*Classifier, error) {
	if len(references) == 0 {
		return nil, fmt.Errorf("%w: reference list is empty", ErrInvalidInput)
	}
	if opts.MaxInputLength < 0 {
		return nil, fmt.Errorf("%w: max input length must be >= 0", ErrInvalidInput)
	}
	c := &Classifier{
		opts:       opts,
		references: append([]string(nil), references...),
		units:      make([][]string, len(references)),
	}
	for i, ref := range references {
		c.units[i] = segment(opts.Normalizer.Normalize(ref))
	}
	return c, nil
}

// References returns a copy of the configured reference phrases.
func (c *Classifier) References() []string {
	return append([]string(nil), c.references...)
}

// Classify compares input with every reference. A unique closest reference is
// a match; several equally close references are a tie.
func (c *Classifier) Classify(input string) (Result, error) {
	units := segment(c.opts.Normalizer.Normalize(input))
	if limit := c.opts.MaxInputLength; limit > 0 && len(units) > limit {
		return Result{Outcome: OutcomeNoMatch, Index: -1},
			fmt.Errorf("%w: %d characters exceeds limit of %d", ErrInputTooLarge, len(units), limit)
	}
	if len(units) == 0 && c.opts.EmptyInput == EmptyNoMatch {
		return Result{Outcome: OutcomeNoMatch, Index: -1}, nil
	}

	distances := make([]int, len(c.units))
	for i, ref := range c.units {
		distances[i] = distance(units, ref)
	}

	best := []int{0}
	for i := 1; i < len(distances); i++ {
		switch cmp := c.compare(distances, len(units), i, best[0]); {
		case cmp < 0:
			best = append(best[:0], i)
		case cmp == 0:
			best = append(best, i)
		}
	}

	if len(best) > 1 {
		return Result{Outcome: OutcomeTie, Index: -1, Distances: distances, Tied: best}, nil
	}
	return Result{Outcome: OutcomeMatch, Index: best[0], Distances: distances}, nil
}

// compare orders reference i against reference j by score.
func (c *Classifier) compare(distances []int, inputLen, i, j int) int {
	if c.opts.Scoring == ScoreRelative {
		// di/li versus dj/lj without floating point.
		li := max(inputLen, len(c.units[i]), 1)
		lj := max(inputLen, len(c.units[j]), 1)
		return sign(distances[i]*lj - distances[j]*li)
	}
	return sign(distances[i] - distances[j])
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

// Classify is a convenience wrapper for one-off comparisons with default options.
func Classify(input string, references ...string) (Result, error) {
	c, err := New(references, Options{})
	if err != nil {
		return Result{}, err
	}
	return c.Classify(input)
}
