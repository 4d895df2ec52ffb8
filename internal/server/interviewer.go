package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/danshapiro/kilroy/internal/attractor/interview"
)

// WebInterviewer satisfies interview.Interviewer by parking questions until an
// HTTP client answers them. The engine goroutine blocks on Ask() until an
// answer is posted via Answer() or the timeout expires.
//
// Multiple questions can be pending concurrently — this happens when parallel
// branches in the engine each hit a human gate simultaneously.
type WebInterviewer struct {
	mu       sync.Mutex
	pending  map[string]*pendingQuestion // keyed by question ID
	timeout  time.Duration
	qidSeq   uint64
	cancelCh chan struct{}
}

type pendingQuestion struct {
	ID       string
	Question interview.Question
	AskedAt  time.Time
	answerCh chan interview.Answer
}

// NewWebInterviewer creates a new WebInterviewer with the given timeout.
// If timeout <= 0, defaults to 30 minutes.
func NewWebInterviewer(timeout time.Duration) *WebInterviewer {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &WebInterviewer{
		timeout:  timeout,
		cancelCh: make(chan struct{}),
		pending:  make(map[string]*pendingQuestion),
	}
}

// Ask implements interview.Interviewer. It blocks until an answer is posted or timeout,
// returning a zero Answer in either case (no pending-question state survives a timeout).
// Safe for concurrent use — each call gets its own question ID.
func (wi *WebInterviewer) Ask(q interview.Question) interview.Answer {
	wi.mu.Lock()
	wi.qidSeq++
	qid := fmt.Sprintf("q-%d", wi.qidSeq)
	ch := make(chan interview.Answer, 1)
	pq := &pendingQuestion{
		ID:       qid,
		Question: q,
		AskedAt:  time.Now().UTC(),
		answerCh: ch,
	}
	wi.pending[qid] = pq
	wi.mu.Unlock()

	defer func() {
		wi.mu.Lock()
		delete(wi.pending, qid)
		wi.mu.Unlock()
	}()

	timer := time.NewTimer(wi.timeout)
	defer timer.Stop()

	select {
	case ans := <-ch:
		return ans
	case <-timer.C:
		return interview.Answer{}
	case <-wi.cancelCh:
		return interview.Answer{}
	}
}

// AskMultiple asks each question in order, parking all of them as pending
// simultaneously is left to the caller (the parallel fan-out handler calls
// Ask per branch); this satisfies interview.Interviewer for callers that
// submit a batch.
func (wi *WebInterviewer) AskMultiple(qs []interview.Question) []interview.Answer {
	out := make([]interview.Answer, len(qs))
	for i, q := range qs {
		out[i] = wi.Ask(q)
	}
	return out
}

// Pending returns all currently pending questions (may be more than one when
// parallel branches hit human gates concurrently). Returns empty slice if none.
func (wi *WebInterviewer) Pending() []PendingQuestion {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	out := make([]PendingQuestion, 0, len(wi.pending))
	for _, pq := range wi.pending {
		opts := make([]QuestionOption, len(pq.Question.Options))
		for i, o := range pq.Question.Options {
			opts[i] = QuestionOption{Key: o.Key, Label: o.Label, To: o.To}
		}
		out = append(out, PendingQuestion{
			QuestionID: pq.ID,
			Type:       string(pq.Question.Type),
			Text:       pq.Question.Text,
			Stage:      pq.Question.Stage,
			Options:    opts,
			AskedAt:    pq.AskedAt,
		})
	}
	return out
}

// Cancel unblocks all in-flight Ask() calls, causing them to return a zero interview.Answer.
// Safe to call multiple times.
func (wi *WebInterviewer) Cancel() {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	select {
	case <-wi.cancelCh:
		// already closed
	default:
		close(wi.cancelCh)
	}
}

// Answer delivers an answer to a pending question by ID. Returns false if qid
// doesn't match any pending question or is already answered.
func (wi *WebInterviewer) Answer(qid string, ans interview.Answer) bool {
	wi.mu.Lock()
	defer wi.mu.Unlock()
	pq, ok := wi.pending[qid]
	if !ok {
		return false
	}
	select {
	case pq.answerCh <- ans:
		delete(wi.pending, qid) // prevent duplicate answers
		return true
	default:
		return false // already answered
	}
}
