package fallback

import "context"

type funcStrategy[C, V any] struct {
	name    string
	applies func(C) bool
	attempt func(context.Context, C) (V, error)
}

// Func adapts plain functions to the Strategy interface. A nil applies
// is treated as always applicable.
func Func[C, V any](name string, applies func(C) bool, attempt func(context.Context, C) (V, error)) Strategy[C, V] {
	return &funcStrategy[C, V]{name: name, applies: applies, attempt: attempt}
}

func (f *funcStrategy[C, V]) Name() string { return f.name }

func (f *funcStrategy[C, V]) Applies(input C) bool {
	if f.applies == nil {
		return true
	}
	return f.applies(input)
}

func (f *funcStrategy[C, V]) Attempt(ctx context.Context, input C) (V, error) {
	return f.attempt(ctx, input)
}
