package tools

import (
	"github.com/rs/zerolog/log"
)

// Policy defines which tools are exposed to the model.
type Policy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // tool names, "*" for all
	Deny  []string `json:"deny" mapstructure:"deny"`   // overrides allow
}

// AllowAll returns a policy exposing every registered tool.
func AllowAll() *Policy {
	return &Policy{Allow: []string{"*"}}
}

// IsAllowed reports whether name passes the policy. A nil policy allows everything.
func (p *Policy) IsAllowed(name string) bool {
	if p == nil {
		return true
	}

	for _, denied := range p.Deny {
		if denied == name || denied == "*" {
			return false
		}
	}

	for _, allowed := range p.Allow {
		if allowed == name || allowed == "*" {
			return true
		}
	}

	return false
}

// Validate logs suspicious but legal policy shapes.
func (p *Policy) Validate() {
	if p == nil {
		return
	}

	allowWildcard, denyWildcard := false, false
	for _, a := range p.Allow {
		if a == "*" {
			allowWildcard = true
		}
	}
	for _, d := range p.Deny {
		if d == "*" {
			denyWildcard = true
		}
	}

	if allowWildcard && denyWildcard {
		log.Warn().Msg("Tool policy has both allow and deny wildcards - deny will override allow")
	}
	if len(p.Allow) == 0 {
		log.Warn().Msg("Tool policy has empty allow list - all tools will be denied")
	}
}
