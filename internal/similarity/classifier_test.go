package similarity

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestClassifyCloserReference(t *testing.T) {
	c, err := New([]string{"健康です", "具合が悪い"}, Options{})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	res, err := c.Classify("健康でs")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Outcome != OutcomeMatch || res.Index != 0 {
		t.Fatalf("expected match on reference 0, got %+v", res)
	}
	if !reflect.DeepEqual(res.Distances, []int{1, 5}) {
		t.Fatalf("unexpected distances %v", res.Distances)
	}

	res, err = c.Classify("具合がわるい")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Outcome != OutcomeMatch || res.Index != 1 {
		t.Fatalf("expected match on reference 1, got %+v", res)
	}
}

func TestClassifyTie(t *testing.T) {
	res, err := Classify("abx", "abc", "abd")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Outcome != OutcomeTie || res.Index != -1 {
		t.Fatalf("expected tie, got %+v", res)
	}
	if !reflect.DeepEqual(res.Tied, []int{0, 1}) {
		t.Fatalf("unexpected tied set %v", res.Tied)
	}
}

func TestClassifyIdenticalReferencesAlwaysTie(t *testing.T) {
	c, err := New([]string{"same", "same", "other"}, Options{})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	res, err := c.Classify("same")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Outcome != OutcomeTie || !reflect.DeepEqual(res.Tied, []int{0, 1}) {
		t.Fatalf("expected tie between identical references, got %+v", res)
	}
}

func TestClassifySingleReference(t *testing.T) {
	res, err := Classify("anything", "only")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Outcome != OutcomeMatch || res.Index != 0 {
		t.Fatalf("single reference always matches, got %+v", res)
	}
}

func TestNewRejectsEmptyReferences(t *testing.T) {
	if _, err := New(nil, Options{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := New([]string{"a"}, Options{MaxInputLength: -1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative limit, got %v", err)
	}
}

func TestClassifyEmptyInput(t *testing.T) {
	refs := []string{"はい", "いいえ、違います"}

	c, err := New(refs, Options{})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	res, err := c.Classify("")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Outcome != OutcomeMatch || res.Index != 0 {
		t.Fatalf("empty input compares by length and picks the shorter reference, got %+v", res)
	}

	c, err = New(refs, Options{EmptyInput: EmptyNoMatch, Normalizer: SpeechNormalizer()})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	for _, in := range []string{"", "。", "  "} {
		res, err := c.Classify(in)
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if res.Outcome != OutcomeNoMatch || res.Index != -1 || res.Distances != nil {
			t.Fatalf("expected no match for %q, got %+v", in, res)
		}
	}
}

func TestClassifyInputTooLarge(t *testing.T) {
	c, err := New([]string{"abc"}, Options{MaxInputLength: 3})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	if _, err := c.Classify("abc"); err != nil {
		t.Fatalf("input at the limit must classify: %v", err)
	}
	if _, err := c.Classify("abcd"); !errors.Is(err, ErrInputTooLarge) {
		t.Fatalf("expected ErrInputTooLarge, got %v", err)
	}
}

func TestRelativeScoringRemovesShortBias(t *testing.T) {
	refs := []string{"xy", "abcdef"}

	abs, err := New(refs, Options{})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	res, _ := abs.Classify("ab")
	if res.Index != 0 {
		t.Fatalf("absolute scoring should prefer the short reference, got %+v", res)
	}

	rel, err := New(refs, Options{Scoring: ScoreRelative})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	res, _ = rel.Classify("ab")
	if res.Outcome != OutcomeMatch || res.Index != 1 {
		t.Fatalf("relative scoring should prefer the prefix match, got %+v", res)
	}
}

func TestClassifyNormalizesReferences(t *testing.T) {
	c, err := New([]string{"Café", "Bar"}, Options{Normalizer: SpeechNormalizer()})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	res, err := c.Classify("\uff43\uff41\uff46\uff45\u0301\u3002")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.Outcome != OutcomeMatch || res.Index != 0 || res.Distances[0] != 0 {
		t.Fatalf("expected exact match after normalization, got %+v", res)
	}
}

func TestClassifyIsIdempotentAndConcurrent(t *testing.T) {
	c, err := New([]string{"健康です", "具合が悪い"}, Options{Normalizer: SpeechNormalizer()})
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	want, err := c.Classify("けんこうです")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Classify("けんこうです")
			if err != nil || !reflect.DeepEqual(got, want) {
				errs <- "result drifted between calls"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}
}

func TestOutcomeText(t *testing.T) {
	for _, o := range []Outcome{OutcomeMatch, OutcomeTie, OutcomeNoMatch} {
		text, err := o.MarshalText()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back Outcome
		if err := back.UnmarshalText(text); err != nil || back != o {
			t.Fatalf("round trip of %s gave %s (%v)", o, back, err)
		}
	}
	var o Outcome
	if err := o.UnmarshalText([]byte("maybe")); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestParseOptions(t *testing.T) {
	if p, err := ParseEmptyInputPolicy("no_match"); err != nil || p != EmptyNoMatch {
		t.Fatalf("parse policy: %v %v", p, err)
	}
	if _, err := ParseEmptyInputPolicy("drop"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if s, err := ParseScoring("Relative"); err != nil || s != ScoreRelative {
		t.Fatalf("parse scoring: %v %v", s, err)
	}
	if _, err := ParseScoring("fuzzy"); err == nil {
		t.Fatal("expected error for unknown scoring")
	}
}
