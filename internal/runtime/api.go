package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-answer/internal/eventstore"
	"github.com/loqalabs/loqa-answer/internal/matcher"
	"github.com/loqalabs/loqa-answer/internal/similarity"
)

// api serves classification over HTTP for clients that do not speak NATS.
type api struct {
	matcher      *matcher.Service
	store        *eventstore.Store
	maxInput     int
	maxBodyBytes int64
	logger       *slog.Logger
}

type classifyRequest struct {
	Text           string   `json:"text"`
	References     []string `json:"references"`
	Normalize      bool     `json:"normalize"`
	Scoring        string   `json:"scoring,omitempty"`
	EmptyInput     string   `json:"empty_input,omitempty"`
	MaxInputLength int      `json:"max_input_length,omitempty"`
}

type classifyResponse struct {
	similarity.Result
	Reference string `json:"reference,omitempty"`
}

type distanceRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

type transcriptRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/classify", a.handleClassify)
	mux.HandleFunc("POST /v1/distance", a.handleDistance)
	if a.matcher != nil {
		mux.HandleFunc("POST /v1/sessions/{id}/transcripts", a.handleTranscript)
		mux.HandleFunc("POST /v1/sessions/{id}/reset", a.handleReset)
	}
	mux.HandleFunc("GET /v1/sessions/{id}/decisions", a.handleDecisions)
}

func (a *api) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if !a.decode(w, r, &req) {
		return
	}
	opts, err := a.options(req)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := similarity.New(req.References, opts)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	res, err := c.Classify(req.Text)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	resp := classifyResponse{Result: res}
	if res.Outcome == similarity.OutcomeMatch {
		resp.Reference = req.References[res.Index]
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *api) options(req classifyRequest) (similarity.Options, error) {
	empty, err := similarity.ParseEmptyInputPolicy(req.EmptyInput)
	if err != nil {
		return similarity.Options{}, err
	}
	scoring, err := similarity.ParseScoring(req.Scoring)
	if err != nil {
		return similarity.Options{}, err
	}
	limit := req.MaxInputLength
	if a.maxInput > 0 && (limit <= 0 || limit > a.maxInput) {
		limit = a.maxInput
	}
	opts := similarity.Options{MaxInputLength: limit, EmptyInput: empty, Scoring: scoring}
	if req.Normalize {
		opts.Normalizer = similarity.SpeechNormalizer()
	}
	return opts, nil
}

func (a *api) handleDistance(w http.ResponseWriter, r *http.Request) {
	var req distanceRequest
	if !a.decode(w, r, &req) {
		return
	}
	if a.maxInput > 0 && (similarity.Length(req.A) > a.maxInput || similarity.Length(req.B) > a.maxInput) {
		a.writeError(w, http.StatusRequestEntityTooLarge, similarity.ErrInputTooLarge)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"distance": similarity.Distance(req.A, req.B)})
}

func (a *api) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if !a.decode(w, r, &req) {
		return
	}
	decision, err := a.matcher.Decide(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, decision)
}

func (a *api) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := a.matcher.Reset(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	decisions, err := a.store.ListDecisions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if decisions == nil {
		decisions = []eventstore.Decision{}
	}
	a.writeJSON(w, http.StatusOK, decisions)
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, err)
			return false
		}
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, similarity.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, similarity.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}
