// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, then defaults are applied and the result is
// validated.
//
// # Configuration File
//
// ResolvePath picks the file in this order:
//
//  1. The --config flag
//  2. Path from COVEN_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/relay.yaml (~/.config/coven/relay.yaml)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	frontends:
//	  telegram:
//	    bot_token: "${TELEGRAM_BOT_TOKEN}"
//
// Unset variables expand to the empty string. Provider API keys are not
// expanded here: each provider names its variable in api_key_env and the
// provider gateway reads it at call time.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	providers:
//	  timeout: "60s"
//	database:
//	  session_ttl: "168h"
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	database:
//	  driver: "sqlite"          # memory (default) or sqlite
//	  path: "/var/lib/coven/relay.db"
//	  session_ttl: "720h"       # optional idle-session pruning
//
//	persona:
//	  system_prompt: "Answer on the level of A1 speaker, then make open-ended statement or ask question."
//
//	engine:
//	  max_attempts: 3
//	  fan_out: false
//	  speech: true
//
//	providers:
//	  timeout: "60s"
//	  text:
//	    - name: "openai"
//	      type: "openai"
//	      model: "gpt-4o-mini"
//	      api_key_env: "OPENAI_API_KEY"
//	    - name: "claude"
//	      type: "anthropic"
//	      api_key_env: "ANTHROPIC_API_KEY"
//	  speech:
//	    type: "elevenlabs"
//	    api_key_env: "ELEVENLABS_API_KEY"
//	    voice_id: "${ELEVEN_VOICE_ID}"
//
//	frontends:
//	  telegram:
//	    enabled: true
//	    bot_token: "${TELEGRAM_BOT_TOKEN}"
//	  http:
//	    enabled: true
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
