package protocol

import (
	"fmt"
	"strings"
)

// Role identifies which side of the session an endpoint plays.
// It is fixed for the lifetime of an endpoint.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAgent    Role = "AGENT"
)

// ParseRole accepts "customer"/"agent" in any case
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleCustomer:
		return RoleCustomer, nil
	case RoleAgent:
		return RoleAgent, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Valid reports whether r is one of the two known roles
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAgent
}

// Opposite returns the partner role
func (r Role) Opposite() Role {
	if r == RoleCustomer {
		return RoleAgent
	}
	return RoleCustomer
}

// IsInitiator reports whether this role creates the first offer.
// The customer always initiates; this is also the glare tie-break.
func (r Role) IsInitiator() bool {
	return r == RoleCustomer
}

// Label is the speaker label shown next to transcript lines
func (r Role) Label() string {
	if r == RoleCustomer {
		return "Client"
	}
	return "Agent"
}

func (r Role) String() string { return string(r) }

// Language is an immutable reference value from the catalog
type Language struct {
	Code        string `json:"code" yaml:"code"`
	DisplayName string `json:"displayName" yaml:"display_name"`
	ServiceName string `json:"serviceName" yaml:"service_name"` // How the translation service refers to it
}

// IsZero reports whether the language is unset
func (l Language) IsZero() bool {
	return l.Code == ""
}

// SupportedLanguages is the catalog offered to participants
var SupportedLanguages = []Language{
	{Code: "de", DisplayName: "Deutsch", ServiceName: "German"},
	{Code: "en", DisplayName: "English", ServiceName: "English"},
	{Code: "fr", DisplayName: "Français", ServiceName: "French"},
	{Code: "es", DisplayName: "Español", ServiceName: "Spanish"},
	{Code: "tr", DisplayName: "Türkçe", ServiceName: "Turkish"},
	{Code: "it", DisplayName: "Italiano", ServiceName: "Italian"},
	{Code: "pl", DisplayName: "Polski", ServiceName: "Polish"},
	{Code: "ar", DisplayName: "العربية", ServiceName: "Arabic"},
	{Code: "zh", DisplayName: "中文", ServiceName: "Mandarin Chinese"},
	{Code: "uk", DisplayName: "Українська", ServiceName: "Ukrainian"},
}

// LookupLanguage finds a catalog entry by its code
func LookupLanguage(code string) (Language, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, l := range SupportedLanguages {
		if l.Code == code {
			return l, true
		}
	}
	return Language{}, false
}

// DefaultLanguage returns the language preselected for a role:
// German for the customer kiosk, English for the agent.
func DefaultLanguage(r Role) Language {
	if r == RoleCustomer {
		return SupportedLanguages[0]
	}
	return SupportedLanguages[1]
}
