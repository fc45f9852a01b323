package guard

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultConstructorName is the host name used for constructors when no constructor flag is set.
const DefaultConstructorName = "<init>"

// SkipReason explains why a method was left untouched.
type SkipReason int

const (
	SkipNone SkipReason = iota
	SkipNotClass
	SkipClassPrefix
	SkipConstructor
	SkipSetter
	SkipIgnored
	SkipInstrumented
)

func (r SkipReason) String() string {
	switch r {
	case SkipNone:
		return "none"
	case SkipNotClass:
		return "not-class"
	case SkipClassPrefix:
		return "class-prefix"
	case SkipConstructor:
		return "constructor"
	case SkipSetter:
		return "setter"
	case SkipIgnored:
		return "ignored"
	case SkipInstrumented:
		return "instrumented"
	default:
		return "unknown"
	}
}

// Policy holds the eligibility rules applied to each method.
type Policy struct {
	// IgnoredMethods lists method names never instrumented.
	IgnoredMethods []string
	// ExcludedClassPrefix excludes every method of classes with this name prefix, empty disables.
	ExcludedClassPrefix string
	// SetterPrefix identifies setter shaped methods, matched with either first letter case.
	SetterPrefix string
	// ConstructorName is the method name the host uses for constructors.
	ConstructorName string
	// ExcludeConstructors skips constructors.
	ExcludeConstructors bool
	// ExcludeSetters skips setter shaped methods.
	ExcludeSetters bool
}

// DefaultPolicy returns the standard controller policy.
func DefaultPolicy() Policy {
	return Policy{
		IgnoredMethods:      []string{"detectLastApiVersion", "initTbGridPage"},
		ExcludedClassPrefix: "Trial",
		SetterPrefix:        "set",
		ConstructorName:     DefaultConstructorName,
		ExcludeConstructors: true,
		ExcludeSetters:      true,
	}
}

// ShouldInstrument reports if the method should receive the check call.
func ShouldInstrument(class *ClassDecl, method *MethodDecl, policy Policy) bool {
	return CheckEligibility(class, method, policy) == SkipNone
}

// CheckEligibility returns the first rule excluding the method, or SkipNone.
func CheckEligibility(class *ClassDecl, method *MethodDecl, policy Policy) SkipReason {
	if class == nil || class.Kind != KindClass || method == nil {
		return SkipNotClass
	} else if policy.ExcludedClassPrefix != "" && strings.HasPrefix(class.Name, policy.ExcludedClassPrefix) {
		return SkipClassPrefix
	} else if policy.ExcludeConstructors && isConstructor(method, policy) {
		return SkipConstructor
	} else if policy.ExcludeSetters && isSetter(method.Name, policy.SetterPrefix) {
		return SkipSetter
	} else if slices.Contains(policy.IgnoredMethods, method.Name) {
		return SkipIgnored
	} else if method.Instrumented {
		return SkipInstrumented
	}
	return SkipNone
}

func isConstructor(method *MethodDecl, policy Policy) bool {
	return method.Constructor || (policy.ConstructorName != "" && method.Name == policy.ConstructorName)
}

func isSetter(name, prefix string) bool {
	if prefix == "" {
		return false
	} else if strings.HasPrefix(name, prefix) {
		return true
	}
	// exported Go setters capitalize the prefix (SetName)
	r, size := utf8.DecodeRuneInString(prefix)
	return strings.HasPrefix(name, string(unicode.ToUpper(r))+prefix[size:])
}
