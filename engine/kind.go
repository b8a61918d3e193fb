package engine

// Kind is the runtime type of a script value.
type Kind int

const (
	Undefined Kind = iota
	Null
	Boolean
	Number
	String
	Symbol
	Object
	Function
	External
	BigInt
)

var kindNames = [...]string{
	Undefined: "undefined",
	Null:      "null",
	Boolean:   "boolean",
	Number:    "number",
	String:    "string",
	Symbol:    "symbol",
	Object:    "object",
	Function:  "function",
	External:  "external",
	BigInt:    "bigint",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind maps a typeof-style name back to a Kind. The second result is
// false for names it does not know.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), true
		}
	}
	return Undefined, false
}

// Convertible reports whether values of k have a host representation.
func (k Kind) Convertible() bool {
	switch k {
	case Boolean, Number, String, Object:
		return true
	}
	return false
}
