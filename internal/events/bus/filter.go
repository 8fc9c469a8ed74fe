package bus

import "regexp"

// Filter is a predicate over events. A subscription receives every published
// event its filter matches.
type Filter interface {
	Matches(event *Event) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(event *Event) bool

// Matches implements Filter.
func (f FilterFunc) Matches(event *Event) bool { return f(event) }

// All matches every event (firehose).
func All() Filter {
	return FilterFunc(func(*Event) bool { return true })
}

// ByName matches events with the exact name.
func ByName(name string) Filter {
	return FilterFunc(func(e *Event) bool { return e.Name == name })
}

// ByNamePattern matches event names against a compiled regular expression.
func ByNamePattern(pattern string) (Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return FilterFunc(func(e *Event) bool { return re.MatchString(e.Name) }), nil
}

// ByKind matches events of the given kind.
func ByKind(kind Kind) Filter {
	return FilterFunc(func(e *Event) bool { return e.Kind == kind })
}

// BySource matches events published by the given source id.
func BySource(source string) Filter {
	return FilterFunc(func(e *Event) bool { return e.Source == source })
}

// ByTarget matches events targeted at the given id.
func ByTarget(target string) Filter {
	return FilterFunc(func(e *Event) bool { return e.Target == target })
}

// MinPriority matches events at or above the given priority.
func MinPriority(p Priority) Filter {
	return FilterFunc(func(e *Event) bool { return e.Priority >= p })
}

// And matches when every inner filter matches.
func And(filters ...Filter) Filter {
	return FilterFunc(func(e *Event) bool {
		for _, f := range filters {
			if !f.Matches(e) {
				return false
			}
		}
		return true
	})
}

// Or matches when any inner filter matches.
func Or(filters ...Filter) Filter {
	return FilterFunc(func(e *Event) bool {
		for _, f := range filters {
			if f.Matches(e) {
				return true
			}
		}
		return false
	})
}
