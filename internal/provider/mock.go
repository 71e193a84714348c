// ABOUTME: Scripted text and speech providers for tests
// ABOUTME: Record every call so tests can assert on the exact context sent

package provider

import (
	"context"
	"sync"

	"github.com/2389/coven-relay/internal/store"
)

// MockText is a TextGenerator that returns Reply (or Err), or delegates to Fn when set.
type MockText struct {
	mu    sync.Mutex
	Reply string
	Err   error
	Fn    func(ctx context.Context, turns []store.Turn) (string, error)
	calls [][]store.Turn
}

// Generate records the call and returns the scripted result.
func (m *MockText) Generate(ctx context.Context, turns []store.Turn) (string, error) {
	cp := make([]store.Turn, len(turns))
	copy(cp, turns)

	m.mu.Lock()
	m.calls = append(m.calls, cp)
	fn, reply, err := m.Fn, m.Reply, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, cp)
	}
	return reply, err
}

// Calls returns the turn sequences received so far.
func (m *MockText) Calls() [][]store.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]store.Turn, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Generate calls.
func (m *MockText) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MockSpeech is a SpeechSynthesizer returning Audio (or Err).
type MockSpeech struct {
	mu    sync.Mutex
	Audio *Audio
	Err   error
	texts []string
}

// Synthesize records the text and returns the scripted result.
func (m *MockSpeech) Synthesize(ctx context.Context, text string) (*Audio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return m.Audio, m.Err
}

// Texts returns the texts received so far.
func (m *MockSpeech) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.texts))
	copy(out, m.texts)
	return out
}

// StaticText wraps a generator as a TextProvider gated by credential.
func StaticText(name, credential string, gen TextGenerator) TextProvider {
	return TextProvider{
		Name:       name,
		Credential: credential,
		New:        func(string) TextGenerator { return gen },
	}
}

// StaticSpeech wraps a synthesizer as a SpeechProvider gated by credential.
func StaticSpeech(name, credential string, synth SpeechSynthesizer) *SpeechProvider {
	return &SpeechProvider{
		Name:       name,
		Credential: credential,
		New:        func(string) SpeechSynthesizer { return synth },
	}
}
