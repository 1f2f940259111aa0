package synthesis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/iac"
)

// ErrSessionClosed is returned by Send after Close.
var ErrSessionClosed = errors.New("session closed")

// ChatModel is the interface for LLM chat models (eino)
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Session is one conversation with the generative service. It keeps the
// system message and the last window exchanges. A Session is owned by a
// single unit and is not safe for concurrent use; see SharedSession.
type Session struct {
	id      string
	model   ChatModel
	factory *SessionFactory
	system  *schema.Message
	history []*schema.Message
	window  int
	timeout time.Duration
	closed  bool
	onClose func()
	log     logr.Logger

	inputTokens  int64
	outputTokens int64
}

// SessionFactory opens sessions with a common model configuration.
type SessionFactory struct {
	model ChatModel
	cfg   config.ModelConfig
	log   logr.Logger
	open  atomic.Int64
	costs atomic.Pointer[CostTracker]
}

func NewSessionFactory(chatModel ChatModel, cfg config.ModelConfig, log logr.Logger) *SessionFactory {
	return &SessionFactory{model: chatModel, cfg: cfg, log: log.WithName("session")}
}

// SetCostTracker makes every session of the factory reserve its worst-case
// price before each call and record the estimated usage after it.
func (f *SessionFactory) SetCostTracker(tracker *CostTracker) {
	f.costs.Store(tracker)
}

// Open starts a new session. The caller must Close it.
func (f *SessionFactory) Open(id, systemPrompt string) *Session {
	f.open.Add(1)
	s := &Session{
		id:      id,
		model:   f.model,
		factory: f,
		window:  f.cfg.HistoryWindow,
		timeout: f.cfg.RequestTimeout,
		log:     f.log.WithValues("session", id),
	}
	if systemPrompt != "" {
		s.system = &schema.Message{Role: schema.System, Content: systemPrompt}
	}
	s.onClose = func() { f.open.Add(-1) }
	return s
}

// OpenSessions returns the number of sessions not yet closed.
func (f *SessionFactory) OpenSessions() int64 {
	return f.open.Load()
}

// Send appends prompt as a user turn, calls the model and records the reply
// in the history. Model errors are returned unclassified; a call the run
// budget cannot cover fails with a *iac.FatalServiceError wrapping
// ErrBudgetExceeded before anything is sent.
func (s *Session) Send(ctx context.Context, prompt string) (string, error) {
	if s.closed {
		return "", ErrSessionClosed
	}

	messages := make([]*schema.Message, 0, len(s.history)+2)
	if s.system != nil {
		messages = append(messages, s.system)
	}
	messages = append(messages, s.history...)
	user := &schema.Message{Role: schema.User, Content: prompt}
	messages = append(messages, user)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var input int64
	for _, m := range messages {
		input += EstimateTokens(m.Content)
	}

	costs := s.costTracker()
	release, ok := costs.Reserve(input, int64(s.factory.maxOutputTokens()))
	if !ok {
		s.log.Info("Call denied by run budget", "inputTokens", input)
		return "", &iac.FatalServiceError{Err: ErrBudgetExceeded}
	}
	defer release()
	s.inputTokens += input

	resp, err := s.model.Generate(ctx, messages)
	if err != nil {
		s.charge(costs, input, 0)
		return "", err
	}
	content := ""
	if resp != nil {
		content = resp.Content
	}
	output := EstimateTokens(content)
	s.outputTokens += output
	s.charge(costs, input, output)

	s.history = append(s.history, user, &schema.Message{Role: schema.Assistant, Content: content})
	if s.window >= 0 && len(s.history) > 2*s.window {
		s.history = append([]*schema.Message(nil), s.history[len(s.history)-2*s.window:]...)
	}
	s.log.V(1).Info("Exchange complete", "promptBytes", len(prompt), "replyBytes", len(content), "history", len(s.history))
	return content, nil
}

func (s *Session) costTracker() *CostTracker {
	if s.factory == nil {
		return nil
	}
	return s.factory.costs.Load()
}

func (s *Session) charge(costs *CostTracker, input, output int64) {
	if costs != nil {
		costs.CalculateCost(input, output, s.factory.cfg.Name)
	}
}

func (f *SessionFactory) maxOutputTokens() int {
	if f == nil {
		return 0
	}
	return f.cfg.MaxTokens
}

// Usage returns the estimated tokens sent and received so far.
func (s *Session) Usage() (input, output int64) {
	return s.inputTokens, s.outputTokens
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.history = nil
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// SharedSession serializes use of one Session across units. It is closed
// exactly once, after the last unit is done.
type SharedSession struct {
	sem     *semaphore.Weighted
	session *Session
	once    sync.Once
}

func NewSharedSession(s *Session) *SharedSession {
	return &SharedSession{sem: semaphore.NewWeighted(1), session: s}
}

// Send waits for the session to be free. A caller whose ctx ends first gets
// ctx.Err() without having sent anything.
func (s *SharedSession) Send(ctx context.Context, prompt string) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.sem.Release(1)
	return s.session.Send(ctx, prompt)
}

// Usage returns the token usage of the underlying session.
func (s *SharedSession) Usage() (input, output int64) {
	_ = s.sem.Acquire(context.Background(), 1)
	defer s.sem.Release(1)
	return s.session.Usage()
}

func (s *SharedSession) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.sem.Acquire(context.Background(), 1)
		defer s.sem.Release(1)
		err = s.session.Close()
	})
	return err
}
