// ABOUTME: Package documentation for the provider gateway
// ABOUTME: Describes credential probing, timeouts, and the error taxonomy

// Package provider is the single call surface the relay uses to reach
// language-model and speech vendors.
//
// Each backend is registered with the environment variable that holds its
// API key. The Gateway checks that variable before every call and reports
// ErrUnavailable without touching the network when it is missing. Calls that
// are attempted run under a per-call timeout; a vendor failure, a timeout, or
// an empty reply comes back as *Error, which matches ErrProvider.
//
// Backends:
//
//   - OpenAI (and any OpenAI-compatible endpoint via BaseURL)
//   - Anthropic
//   - ElevenLabs text-to-speech
//
// MockText and MockSpeech are scripted implementations for tests.
package provider
