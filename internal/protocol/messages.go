package protocol

import "time"

// AudioFrame represents PCM audio data streamed from a recording client.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// AnswerDecision tells the presenting client where the questionnaire stands
// after a final transcript. Outcome is one of match, tie, no_match or
// input_too_large; only a match changes the question.
type AnswerDecision struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	QuestionID string    `json:"question_id"`
	NextID     string    `json:"next_question_id"`
	Transcript string    `json:"transcript"`
	Outcome    string    `json:"outcome"`
	Answer     string    `json:"answer,omitempty"`
	Index      int       `json:"index"`
	Distances  []int     `json:"distances,omitempty"`
	Moved      bool      `json:"moved"`
	Done       bool      `json:"done"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionReset drops the questionnaire position of a session.
type SessionReset struct {
	SessionID string `json:"session_id"`
}

const (
	SubjectAudioFramePrefix     = "audio.frame"
	SubjectTranscriptPartial    = "stt.text.partial"
	SubjectTranscriptFinal      = "stt.text.final"
	SubjectAnswerDecisionPrefix = "answer.decision"
	SubjectSessionReset         = "answer.session.reset"
)

// OutcomeInputTooLarge marks transcripts rejected before classification.
const OutcomeInputTooLarge = "input_too_large"

func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

func AnswerDecisionSubject(sessionID string) string {
	return SubjectAnswerDecisionPrefix + "." + sessionID
}
