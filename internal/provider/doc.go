// Package provider abstracts the LLM vendors the agentic loop can drive
// behind one streaming interface.
//
// Each concrete provider translates its vendor SDK's wire types into the
// StreamEvent sum type defined in provider.go, so internal/agent consumes
// a uniform event sequence (text deltas, reasoning deltas, tool-call
// start/delta, finish) no matter which vendor produced it. Providers that
// speak the OpenAI chat-completions wire shape (Groq, xAI, OpenRouter,
// Ollama, Z.AI native) are thin constructors over OpenAIProvider with a
// different base URL and model catalog; Anthropic supports both the
// direct API and AWS Bedrock; Gemini supports both the Gemini API and
// Vertex AI.
//
// Model capability metadata lives in capabilities.go: a plain data table
// keyed by model id, with per-provider defaults and a conservative
// fallback for models nobody has heard of. NormalizeRequest applies that
// metadata to a CompletionRequest before it goes on the wire (dropping
// temperature for reasoning models, clamping it into the open interval
// providers accept, defaulting max tokens).
//
// Two stream decorators live here as well: pseudoxml.go extracts
// `<tool_call>` blocks some models emit inside the text channel and
// resynthesizes them as proper tool-call events, and retry.go retries
// transient 5xx failures with exponential backoff before the stream is
// handed to the loop.
package provider
