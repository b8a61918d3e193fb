package executor

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

type closer struct {
	name  string
	close func() error
}

// scopeStack releases resources in reverse acquisition order. Every closer
// runs even when an earlier one fails.
type scopeStack struct {
	closers []closer
}

func (s *scopeStack) push(name string, fn func() error) {
	s.closers = append(s.closers, closer{name: name, close: fn})
}

func (s *scopeStack) len() int { return len(s.closers) }

func (s *scopeStack) unwind() error {
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	s.closers = nil
	return result.ErrorOrNil()
}
