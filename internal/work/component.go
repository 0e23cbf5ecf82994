package work

// Component is a named bundle of values carried by a Packet. Values are
// looked up by type, so a component can expose several capabilities.
type Component struct {
	values []any
}

// NewComponent bundles the non-nil values.
func NewComponent(values ...any) Component {
	c := Component{values: make([]any, 0, len(values))}
	for _, v := range values {
		if v != nil {
			c.values = append(c.values, v)
		}
	}
	return c
}

// SPI returns the first value of the component that implements or is T.
func SPI[T any](c Component) (T, bool) {
	for _, v := range c.values {
		if t, ok := v.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}
