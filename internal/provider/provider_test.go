// ABOUTME: Tests for the provider gateway's credential probing and error mapping
// ABOUTME: Uses scripted generators so no network is involved

package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

var testTurns = []store.Turn{
	store.SystemTurn("be brief"),
	store.UserTurn("Hi"),
}

func TestGateway_GenerateText_MissingCredentialIsUnavailable(t *testing.T) {
	var built atomic.Int32
	gw := NewGateway(GatewayConfig{
		Text: []TextProvider{{
			Name:       "openai",
			Credential: "OPENAI_API_KEY",
			New: func(string) TextGenerator {
				built.Add(1)
				return &MockText{Reply: "never"}
			},
		}},
		Credentials: MapCredentials{},
	})

	res, err := gw.GenerateText(context.Background(), testTurns)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
	assert.Equal(t, int32(0), built.Load(), "no backend should be built without a credential")
}

func TestGateway_GenerateText_EmptyCredentialValueIsUnavailable(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Text:        []TextProvider{StaticText("openai", "OPENAI_API_KEY", &MockText{Reply: "x"})},
		Credentials: MapCredentials{"OPENAI_API_KEY": ""},
	})

	_, err := gw.GenerateText(context.Background(), testTurns)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGateway_GenerateText_NoProvidersConfigured(t *testing.T) {
	gw := NewGateway(GatewayConfig{Credentials: MapCredentials{}})

	_, err := gw.GenerateText(context.Background(), testTurns)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGateway_GenerateText_PassesKeyAndTurns(t *testing.T) {
	mock := &MockText{Reply: "  Hello there.  "}
	var gotKey string
	gw := NewGateway(GatewayConfig{
		Text: []TextProvider{{
			Name:       "openai",
			Credential: "OPENAI_API_KEY",
			New: func(key string) TextGenerator {
				gotKey = key
				return mock
			},
		}},
		Credentials: MapCredentials{"OPENAI_API_KEY": "sk-test"},
	})

	res, err := gw.GenerateText(context.Background(), testTurns)
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "Hello there.", res.Text)
	assert.Equal(t, "sk-test", gotKey)
	require.Len(t, mock.Calls(), 1)
	assert.Equal(t, testTurns, mock.Calls()[0])
}

func TestGateway_GenerateText_SkipsDisabledProviders(t *testing.T) {
	first := &MockText{Reply: "from first"}
	second := &MockText{Reply: "from second"}
	gw := NewGateway(GatewayConfig{
		Text: []TextProvider{
			StaticText("openai", "OPENAI_API_KEY", first),
			StaticText("anthropic", "ANTHROPIC_API_KEY", second),
		},
		Credentials: MapCredentials{"ANTHROPIC_API_KEY": "k"},
	})

	res, err := gw.GenerateText(context.Background(), testTurns)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, "from second", res.Text)
	assert.Equal(t, 0, first.CallCount())
}

func TestGateway_GenerateText_FailureIsProviderError(t *testing.T) {
	cause := errors.New("rate limited")
	gw := NewGateway(GatewayConfig{
		Text:        []TextProvider{StaticText("openai", "", &MockText{Err: cause})},
		Credentials: MapCredentials{},
	})

	_, err := gw.GenerateText(context.Background(), testTurns)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrUnavailable)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "openai", perr.Provider)
	assert.Equal(t, "generate", perr.Op)
}

func TestGateway_GenerateText_EmptyOutputIsProviderError(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Text:        []TextProvider{StaticText("openai", "", &MockText{Reply: " \n\t "})},
		Credentials: MapCredentials{},
	})

	_, err := gw.GenerateText(context.Background(), testTurns)
	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, errEmptyOutput)
}

func TestGateway_GenerateText_TimeoutIsProviderError(t *testing.T) {
	slow := &MockText{Fn: func(ctx context.Context, _ []store.Turn) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	gw := NewGateway(GatewayConfig{
		Text:        []TextProvider{StaticText("openai", "", slow)},
		Credentials: MapCredentials{},
		Timeout:     20 * time.Millisecond,
	})

	start := time.Now()
	_, err := gw.GenerateText(context.Background(), testTurns)
	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGateway_GenerateAll_KeepsPriorityOrder(t *testing.T) {
	slowFirst := &MockText{Fn: func(ctx context.Context, _ []store.Turn) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return "first", nil
	}}
	failing := &MockText{Err: errors.New("boom")}
	third := &MockText{Reply: "third"}

	gw := NewGateway(GatewayConfig{
		Text: []TextProvider{
			StaticText("a", "A_KEY", slowFirst),
			StaticText("b", "B_KEY", failing),
			StaticText("skipped", "MISSING", &MockText{Reply: "no"}),
			StaticText("c", "C_KEY", third),
		},
		Credentials: MapCredentials{"A_KEY": "1", "B_KEY": "2", "C_KEY": "3"},
	})

	results, err := gw.GenerateAll(context.Background(), testTurns)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "a", results[0].Provider)
	assert.Equal(t, "first", results[0].Text)
	assert.NoError(t, results[0].Err)

	assert.Equal(t, "b", results[1].Provider)
	assert.ErrorIs(t, results[1].Err, ErrProvider)

	assert.Equal(t, "c", results[2].Provider)
	assert.Equal(t, "third", results[2].Text)
}

func TestGateway_GenerateAll_NoneEnabled(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Text:        []TextProvider{StaticText("a", "A_KEY", &MockText{Reply: "x"})},
		Credentials: MapCredentials{},
	})

	results, err := gw.GenerateAll(context.Background(), testTurns)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, results)
}

func TestGateway_SynthesizeSpeech(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		gw := NewGateway(GatewayConfig{Credentials: MapCredentials{}})
		assert.False(t, gw.SpeechEnabled())
		_, err := gw.SynthesizeSpeech(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("missing credential", func(t *testing.T) {
		mock := &MockSpeech{Audio: &Audio{Data: []byte{1}}}
		gw := NewGateway(GatewayConfig{
			Speech:      StaticSpeech("elevenlabs", "ELEVENLABS_API_KEY", mock),
			Credentials: MapCredentials{},
		})
		assert.False(t, gw.SpeechEnabled())
		_, err := gw.SynthesizeSpeech(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Empty(t, mock.Texts())
	})

	t.Run("success", func(t *testing.T) {
		mock := &MockSpeech{Audio: &Audio{Data: []byte("ID3"), Format: "mp3", MimeType: "audio/mpeg"}}
		gw := NewGateway(GatewayConfig{
			Speech:      StaticSpeech("elevenlabs", "ELEVENLABS_API_KEY", mock),
			Credentials: MapCredentials{"ELEVENLABS_API_KEY": "k"},
		})
		assert.True(t, gw.SpeechEnabled())
		audio, err := gw.SynthesizeSpeech(context.Background(), "Hello there.")
		require.NoError(t, err)
		assert.Equal(t, "mp3", audio.Format)
		assert.Equal(t, []string{"Hello there."}, mock.Texts())
	})

	t.Run("empty audio", func(t *testing.T) {
		gw := NewGateway(GatewayConfig{
			Speech:      StaticSpeech("elevenlabs", "", &MockSpeech{Audio: &Audio{}}),
			Credentials: MapCredentials{},
		})
		_, err := gw.SynthesizeSpeech(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrProvider)
	})
}

func TestGateway_Status(t *testing.T) {
	gw := NewGateway(GatewayConfig{
		Text: []TextProvider{
			StaticText("openai", "OPENAI_API_KEY", &MockText{}),
			StaticText("anthropic", "ANTHROPIC_API_KEY", &MockText{}),
		},
		Speech:      StaticSpeech("elevenlabs", "ELEVENLABS_API_KEY", &MockSpeech{}),
		Credentials: MapCredentials{"OPENAI_API_KEY": "x"},
	})

	caps := gw.Status()
	require.Len(t, caps, 3)
	assert.Equal(t, Capability{Kind: "text", Name: "openai", Credential: "OPENAI_API_KEY", Enabled: true}, caps[0])
	assert.Equal(t, Capability{Kind: "text", Name: "anthropic", Credential: "ANTHROPIC_API_KEY", Enabled: false}, caps[1])
	assert.Equal(t, Capability{Kind: "speech", Name: "elevenlabs", Credential: "ELEVENLABS_API_KEY", Enabled: false}, caps[2])
}

func TestEnvCredentials(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "value")
	t.Setenv("RELAY_TEST_EMPTY", "")

	v, ok := EnvCredentials{}.Lookup("RELAY_TEST_KEY")
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	_, ok = EnvCredentials{}.Lookup("RELAY_TEST_EMPTY")
	assert.False(t, ok)

	_, ok = EnvCredentials{}.Lookup("RELAY_TEST_DEFINITELY_UNSET")
	assert.False(t, ok)
}
