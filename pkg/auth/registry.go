package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Caller is the kind of party a validator authenticates: API clients submitting
// and reading runs, or machines reporting back on them.
type Caller string

const (
	CallerClient  Caller = "client"
	CallerMachine Caller = "machine"
)

// ErrUnknownProvider is returned when no validator is registered under a type.
var ErrUnknownProvider = errors.New("auth provider not registered")

// ProviderConfig selects a registered provider and carries its raw settings.
type ProviderConfig struct {
	Caller Caller          `yaml:"-" json:"-"`
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

type ValidatorFactory func(config json.RawMessage) (Validator, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]ValidatorFactory)
)

// RegisterProvider is called from provider packages' init.
func RegisterProvider(providerType string, factory ValidatorFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[normalizeType(providerType)] = factory
}

// NewValidator builds the validator for pc. Errors name the caller kind so a
// misconfigured machine provider is not mistaken for the client one.
func NewValidator(pc ProviderConfig) (Validator, error) {
	typ := normalizeType(pc.Type)
	caller := pc.Caller
	if caller == "" {
		caller = CallerClient
	}

	providersMu.RLock()
	factory, ok := providers[typ]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s auth: %w: %q (available: %s)", caller, ErrUnknownProvider, pc.Type, strings.Join(ListProviders(), ", "))
	}
	v, err := factory(pc.Config)
	if err != nil {
		return nil, fmt.Errorf("%s auth %s: %w", caller, typ, err)
	}
	return v, nil
}

// ListProviders returns the registered provider types in name order.
func ListProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	out := make([]string, 0, len(providers))
	for name := range providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeType(t string) string { return strings.ToLower(strings.TrimSpace(t)) }
