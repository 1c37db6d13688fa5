package types

import (
	"fmt"
	"regexp"
	"time"
)

// ModuleStatus is the lifecycle state of a generated module.
// pending -> validating -> validated -> approved -> installed, with
// disabled, failed and uninstalled as sinks.
type ModuleStatus string

const (
	ModulePending     ModuleStatus = "pending"
	ModuleValidating  ModuleStatus = "validating"
	ModuleValidated   ModuleStatus = "validated"
	ModuleApproved    ModuleStatus = "approved"
	ModuleInstalled   ModuleStatus = "installed"
	ModuleDisabled    ModuleStatus = "disabled"
	ModuleFailed      ModuleStatus = "failed"
	ModuleUninstalled ModuleStatus = "uninstalled"
)

// moduleTransitions encodes the legal lifecycle edges.
var moduleTransitions = map[ModuleStatus][]ModuleStatus{
	ModulePending:    {ModuleValidating, ModuleValidated, ModuleFailed},
	ModuleValidating: {ModuleValidated, ModuleFailed},
	ModuleValidated:  {ModuleApproved, ModuleInstalled, ModulePending, ModuleFailed},
	ModuleApproved:   {ModuleInstalled, ModulePending},
	ModuleInstalled:  {ModuleDisabled, ModuleUninstalled, ModulePending},
	ModuleDisabled:   {ModuleInstalled, ModuleUninstalled},
	ModuleFailed:     {ModulePending, ModuleUninstalled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle edge.
func (s ModuleStatus) CanTransition(next ModuleStatus) bool {
	for _, t := range moduleTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// AuthType describes how an adapter authenticates against its upstream API.
type AuthType string

const (
	AuthAPIKey AuthType = "api_key"
	AuthOAuth2 AuthType = "oauth2"
	AuthBasic  AuthType = "basic"
	AuthNone   AuthType = "none"
)

// Valid reports whether a is a known auth type.
func (a AuthType) Valid() bool {
	switch a {
	case AuthAPIKey, AuthOAuth2, AuthBasic, AuthNone:
		return true
	}
	return false
}

// moduleIDPattern is the canonical category/platform shape.
var moduleIDPattern = regexp.MustCompile(`^[a-z0-9_]+/[a-z0-9_]+$`)

// ValidModuleID reports whether id matches category/platform.
func ValidModuleID(id string) bool {
	return moduleIDPattern.MatchString(id)
}

// ModuleID builds the canonical module id from category and platform.
func ModuleID(category, platform string) string {
	return fmt.Sprintf("%s/%s", category, platform)
}

// ModuleManifest describes one data-source adapter module.
type ModuleManifest struct {
	Name         string       `json:"name"`
	Category     string       `json:"category"`
	Platform     string       `json:"platform"`
	Version      string       `json:"version"`
	EntryPoint   string       `json:"entry_point"`
	ClassName    string       `json:"class_name"`
	RequiresAuth bool         `json:"requires_auth"`
	AuthType     AuthType     `json:"auth_type"`
	Status       ModuleStatus `json:"status"`
	HealthStatus string       `json:"health_status,omitempty"`

	ValidationResults map[string]any `json:"validation_results,omitempty"`
	FailureCount      int            `json:"failure_count"`
	SuccessCount      int            `json:"success_count"`

	APIBaseURL  string    `json:"api_base_url,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// ID returns the canonical category/platform module id.
func (m *ModuleManifest) ID() string {
	return ModuleID(m.Category, m.Platform)
}
