package catalog

import "fmt"

// LoadError is returned when the instrument master cannot be read or parsed.
// Nothing downstream can build a subscription list without it.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("catalog: load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// UnknownSymbolError is returned for index symbols outside the supported set.
type UnknownSymbolError struct {
	Symbol string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("catalog: unknown index symbol %q", e.Symbol)
}
