package engine

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// CompositeStoppable closes a list of resources, attempting every one even
// when earlier ones fail.
type CompositeStoppable struct {
	closers []io.Closer
}

// NewCompositeStoppable creates a stoppable over closers. Nil entries are
// skipped.
func NewCompositeStoppable(closers ...io.Closer) *CompositeStoppable {
	c := &CompositeStoppable{}
	for _, closer := range closers {
		if closer != nil {
			c.closers = append(c.closers, closer)
		}
	}
	return c
}

// Add appends more resources.
func (c *CompositeStoppable) Add(closers ...io.Closer) *CompositeStoppable {
	for _, closer := range closers {
		if closer != nil {
			c.closers = append(c.closers, closer)
		}
	}
	return c
}

// Stop closes every resource in order and returns the combined error.
func (c *CompositeStoppable) Stop() error {
	var result *multierror.Error
	for _, closer := range c.closers {
		if err := safeCall(closer.Close); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close implements io.Closer.
func (f CloserFunc) Close() error { return f() }

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
