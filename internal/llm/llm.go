// Package llm keeps the tool's model selection and the provider API keys.
//
// The selected model lives in the tool's own config file as
// {"agent":{"model":"<provider>/<model>"}}; keys are stored in keys.json
// under the data directory, keyed by the provider's environment variable,
// and injected into the gateway environment on start.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	IsDefault   bool   `json:"is_default"`
}

type Provider struct {
	ID             string  `json:"id"`
	DisplayName    string  `json:"display_name"`
	RequiresAPIKey bool    `json:"requires_api_key"`
	EnvVar         string  `json:"env_var,omitempty"`
	Models         []Model `json:"models"`
}

// State reports the current selection. Provider is the prefix of Model up
// to the first '/'.
type State struct {
	SelectedProvider string `json:"selected_provider,omitempty"`
	SelectedModel    string `json:"selected_model,omitempty"`
	HasAPIKey        bool   `json:"has_api_key"`
}

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidModel    = errors.New("model is not valid for provider")
)

var catalog = []Provider{
	{
		ID:             "anthropic",
		DisplayName:    "Anthropic (Claude)",
		RequiresAPIKey: true,
		EnvVar:         "ANTHROPIC_API_KEY",
		Models: []Model{
			{ID: "anthropic/claude-sonnet-4-5-20250929", DisplayName: "Claude Sonnet 4.5", IsDefault: true},
			{ID: "anthropic/claude-opus-4-6", DisplayName: "Claude Opus 4.6"},
		},
	},
	{
		ID:             "openai",
		DisplayName:    "OpenAI",
		RequiresAPIKey: true,
		EnvVar:         "OPENAI_API_KEY",
		Models: []Model{
			{ID: "openai/gpt-4o", DisplayName: "GPT-4o", IsDefault: true},
			{ID: "openai/gpt-4o-mini", DisplayName: "GPT-4o Mini"},
		},
	},
	{
		ID:          "ollama",
		DisplayName: "Ollama",
		Models: []Model{
			{ID: "ollama/llama3.2", DisplayName: "Llama 3.2", IsDefault: true},
			{ID: "ollama/mistral", DisplayName: "Mistral"},
		},
	},
}

// Providers returns a copy of the provider catalog.
func Providers() []Provider {
	out := make([]Provider, len(catalog))
	for i, p := range catalog {
		p.Models = append([]Model(nil), p.Models...)
		out[i] = p
	}
	return out
}

func ProviderByID(id string) (Provider, bool) {
	for _, p := range Providers() {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

// Store reads and writes the two files. Both path funcs are evaluated on
// every call so a relocated data directory takes effect immediately.
type Store struct {
	KeysFile   func() string
	ConfigFile func() (string, error)
	Logger     *slog.Logger
}

func (s Store) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// SelectedModel reads agent.model from the tool config. A missing file or
// key yields "".
func (s Store) SelectedModel() (string, error) {
	path, err := s.ConfigFile()
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc struct {
		Agent struct {
			Model any `json:"model"`
		} `json:"agent"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", fmt.Errorf("invalid json in %s: %w", path, err)
	}
	m, _ := doc.Agent.Model.(string)
	return m, nil
}

// LoadAPIKeys returns the stored keys; a missing file is an empty map.
func (s Store) LoadAPIKeys() (map[string]string, error) {
	path := s.KeysFile()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	keys := map[string]string{}
	if err := json.Unmarshal(b, &keys); err != nil {
		return nil, fmt.Errorf("invalid keys json in %s: %w", path, err)
	}
	return keys, nil
}

// Environ renders the stored keys as sorted KEY=VALUE pairs, skipping
// blank values.
func (s Store) Environ() ([]string, error) {
	keys, err := s.LoadAPIKeys()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for k, v := range keys {
		if k == "" || strings.TrimSpace(v) == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

func (s Store) State() (State, error) {
	model, err := s.SelectedModel()
	if err != nil {
		return State{}, err
	}
	st := State{SelectedModel: model}
	if model == "" {
		return st, nil
	}
	st.SelectedProvider, _, _ = strings.Cut(model, "/")
	p, ok := ProviderByID(st.SelectedProvider)
	if !ok || p.EnvVar == "" {
		return st, nil
	}
	keys, err := s.LoadAPIKeys()
	if err != nil {
		return State{}, err
	}
	st.HasAPIKey = strings.TrimSpace(keys[p.EnvVar]) != ""
	return st, nil
}

// Save selects model for provider. The tool config is overwritten with
// the selection. A non-blank apiKey is stored for providers that need one;
// a blank key keeps whatever was stored before.
func (s Store) Save(provider, model, apiKey string) error {
	p, ok := ProviderByID(provider)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	valid := false
	for _, m := range p.Models {
		if m.ID == model {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: model %s, provider %s", ErrInvalidModel, model, provider)
	}

	path, err := s.ConfigFile()
	if err != nil {
		return err
	}
	doc := map[string]any{"agent": map[string]any{"model": model}}
	if err := writeJSON(path, doc, 0o644); err != nil {
		return err
	}
	s.log().Info("llm model selected", "provider", provider, "model", model)

	if !p.RequiresAPIKey {
		return nil
	}
	if p.EnvVar == "" {
		return fmt.Errorf("provider %s missing env var metadata", provider)
	}
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil
	}
	keys, err := s.LoadAPIKeys()
	if err != nil {
		return err
	}
	keys[p.EnvVar] = key
	if err := writeJSON(s.KeysFile(), keys, 0o600); err != nil {
		return err
	}
	s.log().Info("api key stored", "provider", provider, "env", p.EnvVar)
	return nil
}

// writeJSON writes v indented via a temp file and rename.
func writeJSON(path string, v any, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(name, perm); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
