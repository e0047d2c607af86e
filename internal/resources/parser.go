package resources

import (
	"slices"
	"strings"

	"lds.li/grantidp/internal/model"
)

// ScopeParameterDelimiter separates a parameterized scope's name from its
// parameter, e.g. "transaction:123".
const ScopeParameterDelimiter = ":"

// ScopeParseError is a scope value that could not be parsed.
type ScopeParseError struct {
	RawValue string
	Error    string
}

// ParsedScopes is the outcome of parsing requested scope values.
type ParsedScopes struct {
	Scopes []model.ParsedScopeValue
	Errors []ScopeParseError
}

// Succeeded reports whether every value parsed.
func (p *ParsedScopes) Succeeded() bool {
	return len(p.Errors) == 0
}

// ScopeParser splits requested scopes into name and parameter.
type ScopeParser struct {
	// Parameterized lists the scope names that take a parameter. Such a scope
	// requested without a parameter is ignored, and with an empty parameter
	// is an error. Other scopes are taken verbatim.
	Parameterized []string
}

// ParseScopeValues parses the raw requested scope values. Duplicates are
// dropped.
func (p *ScopeParser) ParseScopeValues(raw []string) *ParsedScopes {
	res := &ParsedScopes{}
	seen := map[string]bool{}
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true

		name, param, hasParam := strings.Cut(v, ScopeParameterDelimiter)
		if !slices.Contains(p.Parameterized, name) {
			res.Scopes = append(res.Scopes, model.ParsedScopeValue{RawValue: v, ParsedName: v})
			continue
		}
		switch {
		case !hasParam:
			// Only valid with a parameter.
		case param == "":
			res.Errors = append(res.Errors, ScopeParseError{RawValue: v, Error: "missing scope parameter"})
		default:
			res.Scopes = append(res.Scopes, model.ParsedScopeValue{RawValue: v, ParsedName: name, ParsedParameter: param})
		}
	}
	return res
}
