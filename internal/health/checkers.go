package health

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Breakers returns a checker named "providers" that fails when every circuit
// breaker reported by states is open. A single closed or half-open breaker is
// enough to open new sessions.
func Breakers(states func() map[string]string) Checker {
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			s := states()
			if len(s) == 0 {
				return errors.New("no providers configured")
			}
			for _, st := range s {
				if st != "open" {
					return nil
				}
			}
			names := slices.Sorted(maps.Keys(s))
			return fmt.Errorf("all circuit breakers open: %s", strings.Join(names, ", "))
		},
	}
}

// Session returns a checker named "session" that fails while closed reports
// true, i.e. after the session manager has shut down.
func Session(closed func() bool) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if closed() {
				return errors.New("session manager closed")
			}
			return nil
		},
	}
}
