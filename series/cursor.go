package series

// Cursor is a single-pass, closeable iterator over values. Next returns
// ErrNoMoreValues when exhausted. Close is idempotent and releases any
// underlying resources.
type Cursor[V any] interface {
	Next() (V, error)
	Close() error
}

type sliceCursor[V any] struct {
	vals []V
	pos  int
}

// NewSliceCursor returns a cursor over vals in order.
func NewSliceCursor[V any](vals []V) Cursor[V] {
	return &sliceCursor[V]{vals: vals}
}

func (c *sliceCursor[V]) Next() (V, error) {
	var zero V
	if c.pos >= len(c.vals) {
		return zero, ErrNoMoreValues
	}
	v := c.vals[c.pos]
	c.pos++
	return v, nil
}

func (c *sliceCursor[V]) Close() error {
	c.pos = len(c.vals)
	return nil
}

type emptyCursor[V any] struct{}

// NewEmptyCursor returns a cursor that is already exhausted.
func NewEmptyCursor[V any]() Cursor[V] {
	return emptyCursor[V]{}
}

func (emptyCursor[V]) Next() (V, error) {
	var zero V
	return zero, ErrNoMoreValues
}

func (emptyCursor[V]) Close() error { return nil }

// Collect drains the cursor into a slice and closes it.
func Collect[V any](c Cursor[V]) ([]V, error) {
	defer c.Close()
	var out []V
	for {
		v, err := c.Next()
		if err == ErrNoMoreValues {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

// concatCursor chains cursors, opening each lazily and closing each exactly
// once before moving to the next.
type concatCursor[V any] struct {
	open   []func() (Cursor[V], error)
	cur    Cursor[V]
	closed bool
}

// NewConcatCursor chains lazily opened cursors in order.
func NewConcatCursor[V any](open ...func() (Cursor[V], error)) Cursor[V] {
	return &concatCursor[V]{open: open}
}

func (c *concatCursor[V]) Next() (V, error) {
	var zero V
	if c.closed {
		return zero, ErrNoMoreValues
	}
	for {
		if c.cur == nil {
			if len(c.open) == 0 {
				return zero, ErrNoMoreValues
			}
			cur, err := c.open[0]()
			c.open = c.open[1:]
			if err != nil {
				return zero, err
			}
			c.cur = cur
		}
		v, err := c.cur.Next()
		if err == ErrNoMoreValues {
			c.cur.Close()
			c.cur = nil
			continue
		}
		return v, err
	}
}

func (c *concatCursor[V]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.open = nil
	if c.cur != nil {
		err := c.cur.Close()
		c.cur = nil
		return err
	}
	return nil
}

// funcCursor adapts a pull function to a Cursor.
type funcCursor[V any] struct {
	next    func() (V, error)
	onClose func() error
	closed  bool
}

// NewFuncCursor wraps a pull function and an optional close hook.
func NewFuncCursor[V any](next func() (V, error), onClose func() error) Cursor[V] {
	return &funcCursor[V]{next: next, onClose: onClose}
}

func (c *funcCursor[V]) Next() (V, error) {
	var zero V
	if c.closed {
		return zero, ErrNoMoreValues
	}
	return c.next()
}

func (c *funcCursor[V]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.onClose != nil {
		return c.onClose()
	}
	return nil
}
