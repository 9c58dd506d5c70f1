// Package scope maps logical memory keys to fully-qualified storage keys.
//
// Every record lives in exactly one visibility scope: agent (private to its
// owner), team (shared by all agents), or global (shared facts). Qualify
// folds scope and owner into a single flat key namespace so the store needs
// only one string primary key; Unqualify recovers scope and owner by prefix
// inspection.
package scope

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates the scope or owner prefix from the logical key.
// Owner identities must not contain it.
const Delimiter = ":"

// Scope is the visibility class of a record.
type Scope string

const (
	// Agent records are private to the owner that wrote them.
	Agent Scope = "agent"
	// Team records are shared by every agent on the store.
	Team Scope = "team"
	// Global records hold durable reusable facts visible to everyone.
	Global Scope = "global"
)

var (
	// ErrInvalidScope reports an unknown scope, or agent scope without an owner.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrInvalidOwner reports an owner identity the key scheme cannot encode.
	ErrInvalidOwner = errors.New("invalid owner")
)

// Valid reports whether s is one of the three defined scopes.
func (s Scope) Valid() bool {
	return s == Agent || s == Team || s == Global
}

func (s Scope) String() string { return string(s) }

// ValidateOwner checks that owner is usable as an agent identity: non-empty,
// free of the key delimiter, and not one of the scope names.
func ValidateOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: owner must not be empty", ErrInvalidOwner)
	}
	if strings.Contains(owner, Delimiter) {
		return fmt.Errorf("%w: owner %q contains %q", ErrInvalidOwner, owner, Delimiter)
	}
	if reservedOwner(owner) {
		return fmt.Errorf("%w: owner %q is a reserved scope name", ErrInvalidOwner, owner)
	}
	return nil
}

// reservedOwner reports whether owner would shadow a scope key prefix,
// making an agent key indistinguishable from a team or global key.
func reservedOwner(owner string) bool {
	return strings.EqualFold(owner, string(Team)) || strings.EqualFold(owner, string(Global))
}

// Qualify computes the fully-qualified storage key for a logical key.
//
//	agent  -> OWNER:key
//	team   -> team:key
//	global -> global:key
//
// The mapping is injective across scopes and owners, which is what makes a
// single flat primary key safe: agent scope requires a non-empty owner, and
// owners that would shadow the team or global prefix are rejected.
func Qualify(logicalKey string, sc Scope, owner string) (string, error) {
	switch sc {
	case Agent:
		if owner == "" {
			return "", fmt.Errorf("%w: agent scope requires an owner", ErrInvalidScope)
		}
		if strings.Contains(owner, Delimiter) {
			return "", fmt.Errorf("%w: owner %q contains %q", ErrInvalidOwner, owner, Delimiter)
		}
		if reservedOwner(owner) {
			return "", fmt.Errorf("%w: owner %q is a reserved scope name", ErrInvalidOwner, owner)
		}
		return owner + Delimiter + logicalKey, nil
	case Team:
		return string(Team) + Delimiter + logicalKey, nil
	case Global:
		return string(Global) + Delimiter + logicalKey, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, sc)
	}
}

// Unqualify recovers scope, owner and logical key from a fully-qualified key.
// Keys starting with "team:" or "global:" map to those scopes with an empty
// owner; any other prefix before the first delimiter is an agent owner. A key
// with no delimiter is reported as agent-scoped with an empty owner, which
// only occurs for rows written outside this package.
func Unqualify(key string) (Scope, string, string) {
	if rest, ok := strings.CutPrefix(key, string(Team)+Delimiter); ok {
		return Team, "", rest
	}
	if rest, ok := strings.CutPrefix(key, string(Global)+Delimiter); ok {
		return Global, "", rest
	}
	owner, rest, found := strings.Cut(key, Delimiter)
	if !found {
		return Agent, "", key
	}
	return Agent, owner, rest
}
