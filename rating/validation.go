package rating

import (
	"fmt"
	"regexp"
)

// Field codes become expression variables, so they must be valid
// identifiers and must not collide with CEL reserved keywords.

var validFieldCode = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateFieldCode validates an output or input field code.
func ValidateFieldCode(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("field code cannot be empty")
	}
	if len(code) > 100 {
		return fmt.Errorf("field code length %d exceeds maximum of 100 characters", len(code))
	}
	if !validFieldCode.MatchString(code) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	if isReservedKeyword(code) {
		return fmt.Errorf("cannot use reserved keyword %q as field code", code)
	}
	return nil
}

// isReservedKeyword checks if a name is a CEL reserved keyword.
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		// Boolean and null literals
		"true":  true,
		"false": true,
		"null":  true,
		// Control flow
		"if":       true,
		"else":     true,
		"for":      true,
		"while":    true,
		"break":    true,
		"continue": true,
		"return":   true,
		// Declarations
		"var":      true,
		"let":      true,
		"const":    true,
		"function": true,
		// Other keywords
		"in":        true,
		"as":        true,
		"import":    true,
		"package":   true,
		"namespace": true,
		"loop":      true,
		"void":      true,
	}

	return reservedKeywords[name]
}
