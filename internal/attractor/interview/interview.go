// Package interview provides the wait.human handler's Interviewer
// collaborator (spec §6.1) and five recommended implementations.
package interview

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// QuestionType enumerates the four question shapes spec §6.1 names.
type QuestionType string

const (
	QuestionYesNo        QuestionType = "YES_NO"
	QuestionMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionFreeform     QuestionType = "FREEFORM"
	QuestionConfirmation QuestionType = "CONFIRMATION"
)

// Option is one selectable outgoing-edge choice, derived by the wait.human
// handler from an edge's label (with its accelerator key extracted) and
// target node id.
type Option struct {
	Key   string
	Label string
	To    string
}

// Question carries everything an Interviewer needs to present a choice.
type Question struct {
	Stage   string
	Text    string
	Type    QuestionType
	Options []Option
}

// Answer carries the interviewer's response. Value is the selected option's
// Key/To (for MULTIPLE_CHOICE/YES_NO/CONFIRMATION); Text carries freeform
// input.
type Answer struct {
	Value string
	Text  string
}

// Interviewer is the wait.human handler's sole collaborator.
type Interviewer interface {
	Ask(q Question) Answer
	AskMultiple(qs []Question) []Answer
}

// askEach calls Ask once per question in order — the shared default for any
// Interviewer whose AskMultiple has no reason to do otherwise.
func askEach(i Interviewer, qs []Question) []Answer {
	out := make([]Answer, len(qs))
	for idx, q := range qs {
		out[idx] = i.Ask(q)
	}
	return out
}

// AutoApprove answers every question with its first option (or "YES" when
// there are none). The default for unattended runs and most tests.
type AutoApprove struct{}

func (a *AutoApprove) Ask(q Question) Answer {
	if len(q.Options) > 0 {
		return Answer{Value: q.Options[0].Key}
	}
	return Answer{Value: "YES"}
}

func (a *AutoApprove) AskMultiple(qs []Question) []Answer { return askEach(a, qs) }

// Queue pops pre-filled answers in FIFO order, one per Ask call. Used by
// tests and scripted replay that need specific, deterministic choices
// rather than AutoApprove's always-first-option behavior.
type Queue struct {
	mu      sync.Mutex
	answers []Answer
}

// NewQueue returns a Queue pre-loaded with answers, consumed in order.
func NewQueue(answers ...Answer) *Queue {
	return &Queue{answers: append([]Answer{}, answers...)}
}

func (q *Queue) Ask(question Question) Answer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.answers) == 0 {
		if len(question.Options) > 0 {
			return Answer{Value: question.Options[0].Key}
		}
		return Answer{}
	}
	next := q.answers[0]
	q.answers = q.answers[1:]
	return next
}

func (q *Queue) AskMultiple(qs []Question) []Answer { return askEach(q, qs) }

// Callback delegates every Ask to an injected function, letting a caller
// wire interview prompts to any external channel (HTTP long-poll, Slack,
// etc.) without writing a new Interviewer per integration.
type Callback struct {
	Fn func(Question) Answer
}

func (c *Callback) Ask(q Question) Answer {
	if c.Fn == nil {
		return Answer{}
	}
	return c.Fn(q)
}

func (c *Callback) AskMultiple(qs []Question) []Answer { return askEach(c, qs) }

// Recorded is one logged question/answer pair.
type Recorded struct {
	Question Question
	Answer   Answer
}

// Recording wraps another Interviewer and appends every Q/A pair it
// forwards, for audit trails and test assertions against the exact
// sequence of human interactions a run performed.
type Recording struct {
	Inner Interviewer

	mu  sync.Mutex
	Log []Recorded
}

func (r *Recording) Ask(q Question) Answer {
	ans := r.Inner.Ask(q)
	r.mu.Lock()
	r.Log = append(r.Log, Recorded{Question: q, Answer: ans})
	r.mu.Unlock()
	return ans
}

func (r *Recording) AskMultiple(qs []Question) []Answer {
	out := make([]Answer, len(qs))
	for i, q := range qs {
		out[i] = r.Ask(q)
	}
	return out
}

// Snapshot returns a copy of the recorded Q/A log.
func (r *Recording) Snapshot() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded{}, r.Log...)
}

// Terminal prompts on an input/output stream pair, for interactive CLI use.
type Terminal struct {
	In  io.Reader
	Out io.Writer

	once   sync.Once
	reader *bufio.Reader
}

func (t *Terminal) Ask(q Question) Answer {
	t.once.Do(func() { t.reader = bufio.NewReader(t.In) })
	fmt.Fprintln(t.Out, q.Text)
	for _, o := range q.Options {
		fmt.Fprintf(t.Out, "  [%s] %s\n", o.Key, o.Label)
	}
	fmt.Fprint(t.Out, "> ")
	line, _ := t.reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" && len(q.Options) > 0 {
		return Answer{Value: q.Options[0].Key}
	}
	for _, o := range q.Options {
		if strings.EqualFold(o.Key, line) || strings.EqualFold(o.To, line) {
			return Answer{Value: o.Key}
		}
	}
	return Answer{Text: line}
}

func (t *Terminal) AskMultiple(qs []Question) []Answer { return askEach(t, qs) }
