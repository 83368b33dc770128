package common

import (
	"context"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/rebrowser/rebrowser-puppeteer-core/log"
)

// fakeSession scripts CDP command responses for tests that exercise the
// layers above the wire.
type fakeSession struct {
	BaseEventEmitter

	sid  target.SessionID
	tid  target.ID
	done chan struct{}

	mu      sync.Mutex
	methods []string

	// handler answers one command. A nil handler or a nil returned
	// marshaler leaves the response empty.
	handler func(method string, params easyjson.Marshaler) (easyjson.Marshaler, error)
}

func newFakeSession(ctx context.Context) *fakeSession {
	return &fakeSession{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		sid:              "session_id_0123456789",
		tid:              "target_id_0123456789",
		done:             make(chan struct{}),
	}
}

var _ session = &fakeSession{}

func (s *fakeSession) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	s.mu.Lock()
	s.methods = append(s.methods, method)
	handler := s.handler
	s.mu.Unlock()

	if handler == nil {
		return nil
	}
	result, err := handler(method, params)
	if err != nil {
		return err
	}
	if result == nil || res == nil {
		return nil
	}
	buf, err := easyjson.Marshal(result)
	if err != nil {
		return err
	}
	return easyjson.Unmarshal(buf, res)
}

func (s *fakeSession) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	return s.Execute(ctx, method, params, res)
}

func (s *fakeSession) ID() target.SessionID { return s.sid }

func (s *fakeSession) TargetID() target.ID { return s.tid }

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) close() { close(s.done) }

// callCount returns how many times method was executed.
func (s *fakeSession) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, m := range s.methods {
		if m == method {
			n++
		}
	}
	return n
}

// callOrder returns the executed methods, filtered to the given set when
// any is named.
func (s *fakeSession) callOrder(only ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(only) == 0 {
		return append([]string(nil), s.methods...)
	}
	keep := make(map[string]bool, len(only))
	for _, m := range only {
		keep[m] = true
	}
	var out []string
	for _, m := range s.methods {
		if keep[m] {
			out = append(out, m)
		}
	}
	return out
}

// fakeScriptCache hands out a fixed utility bundle source.
type fakeScriptCache struct {
	mu      sync.Mutex
	source  string
	injects int
}

func (c *fakeScriptCache) Inject(inject func(source string), force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force {
		return
	}
	c.injects++
	inject(c.source)
}

func nullLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.NewNullLogger()
}
