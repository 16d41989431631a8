package flow

import (
	"errors"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-answer/internal/similarity"
	"gopkg.in/yaml.v3"
)

// Definition describes a spoken questionnaire: each question offers answer
// phrases, and each answer names the question to move to.
type Definition struct {
	Start     string     `yaml:"start"`
	Questions []Question `yaml:"questions"`
}

type Question struct {
	ID      string   `yaml:"id"`
	Prompt  string   `yaml:"prompt"`
	Answers []Answer `yaml:"answers,omitempty"`
}

type Answer struct {
	Phrase string `yaml:"phrase"`
	Next   string `yaml:"next"`
}

// Terminal reports whether the question ends the flow.
func (q Question) Terminal() bool {
	return len(q.Answers) == 0
}

// Default is the two-answer health check: "healthy" ends the questionnaire,
// "unwell" moves to a follow-up question.
func Default() Definition {
	return Definition{
		Start: "first",
		Questions: []Question{
			{
				ID:     "first",
				Prompt: "体調はいかがですか？",
				Answers: []Answer{
					{Phrase: "健康です", Next: "result"},
					{Phrase: "具合が悪い", Next: "second"},
				},
			},
			{
				ID:     "second",
				Prompt: "どこが痛みますか？",
				Answers: []Answer{
					{Phrase: "頭が痛い", Next: "result"},
					{Phrase: "お腹が痛い", Next: "result"},
				},
			},
			{ID: "result", Prompt: "ありがとうございました。"},
		},
	}
}

// Load reads a flow definition from disk.
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read flow: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse flow: %w", err)
	}
	return def, nil
}

// Validate checks that the flow is connected and unambiguous.
func (d Definition) Validate() error {
	if len(d.Questions) == 0 {
		return errors.New("flow must declare at least one question")
	}
	ids := make(map[string]struct{}, len(d.Questions))
	for _, q := range d.Questions {
		if q.ID == "" {
			return errors.New("question id must not be empty")
		}
		if _, dup := ids[q.ID]; dup {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		ids[q.ID] = struct{}{}
	}
	if d.Start == "" {
		return errors.New("start must not be empty")
	}
	if _, ok := ids[d.Start]; !ok {
		return fmt.Errorf("start question %q not defined", d.Start)
	}
	for _, q := range d.Questions {
		phrases := make(map[string]struct{}, len(q.Answers))
		for _, a := range q.Answers {
			if a.Phrase == "" {
				return fmt.Errorf("question %q: answer phrase must not be empty", q.ID)
			}
			if _, dup := phrases[a.Phrase]; dup {
				return fmt.Errorf("question %q: duplicate answer phrase %q", q.ID, a.Phrase)
			}
			phrases[a.Phrase] = struct{}{}
			if _, ok := ids[a.Next]; !ok {
				return fmt.Errorf("question %q: answer %q points to unknown question %q", q.ID, a.Phrase, a.Next)
			}
		}
	}
	return nil
}

// Flow is a compiled definition with one classifier per answerable question.
type Flow struct {
	def         Definition
	questions   map[string]Question
	classifiers map[string]*similarity.Classifier
}

// Step is the result of feeding one transcript to a question. Tie and no
// match leave the questionnaire where it was.
type Step struct {
	From   string
	To     string
	Answer string
	Result similarity.Result
	Moved  bool
	Done   bool
}

// Compile validates def and prepares classifiers using opts.
func Compile(def Definition, opts similarity.Options) (*Flow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	f := &Flow{
		def:         def,
		questions:   make(map[string]Question, len(def.Questions)),
		classifiers: make(map[string]*similarity.Classifier),
	}
	for _, q := range def.Questions {
		f.questions[q.ID] = q
		if q.Terminal() {
			continue
		}
		if err := checkNormalizedPhrases(q, opts.Normalizer); err != nil {
			return nil, err
		}
		phrases := make([]string, len(q.Answers))
		for i, a := range q.Answers {
			phrases[i] = a.Phrase
		}
		c, err := similarity.New(phrases, opts)
		if err != nil {
			return nil, fmt.Errorf("question %q: %w", q.ID, err)
		}
		f.classifiers[q.ID] = c
	}
	return f, nil
}

// checkNormalizedPhrases rejects answers the classifier could never tell
// apart: phrases that collide or vanish once normalized always tie.
func checkNormalizedPhrases(q Question, n similarity.Normalizer) error {
	seen := make(map[string]string, len(q.Answers))
	for _, a := range q.Answers {
		key := n.Normalize(a.Phrase)
		if key == "" {
			return fmt.Errorf("question %q: answer phrase %q is empty after normalization", q.ID, a.Phrase)
		}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("question %q: answer phrases %q and %q are identical after normalization", q.ID, prev, a.Phrase)
		}
		seen[key] = a.Phrase
	}
	return nil
}

func (f *Flow) Start() string {
	return f.def.Start
}

func (f *Flow) Question(id string) (Question, bool) {
	q, ok := f.questions[id]
	return q, ok
}

// Advance classifies transcript against the answers of questionID.
func (f *Flow) Advance(questionID, transcript string) (Step, error) {
	q, ok := f.questions[questionID]
	if !ok {
		return Step{}, fmt.Errorf("unknown question %q", questionID)
	}
	step := Step{From: questionID, To: questionID}
	if q.Terminal() {
		step.Done = true
		step.Result = similarity.Result{Outcome: similarity.OutcomeNoMatch, Index: -1}
		return step, nil
	}

	res, err := f.classifiers[questionID].Classify(transcript)
	step.Result = res
	if err != nil {
		return step, err
	}
	if res.Outcome != similarity.OutcomeMatch {
		return step, nil
	}
	answer := q.Answers[res.Index]
	step.Answer = answer.Phrase
	step.To = answer.Next
	step.Moved = true
	step.Done = f.questions[answer.Next].Terminal()
	return step, nil
}
