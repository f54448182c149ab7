package instrument

import (
	"fmt"
	"unicode"
)

// RelayBoard is a pair of cascaded relay boards routing one test point to
// the multimeter. Two-letter lower-case pins select an input on the first
// board and a sub-input on the second; anything else is switched on the
// first board alone.
type RelayBoard struct {
	first  Conn
	second Conn
}

func NewRelayBoard(first, second Conn) *RelayBoard {
	return &RelayBoard{first: first, second: second}
}

func (r *RelayBoard) SetPin(pin string) error {
	if isCascaded(pin) {
		if r.second == nil {
			return fmt.Errorf("relay board: pin %q needs the second board", pin)
		}
		if err := r.first.Command(pin[:1]); err != nil {
			return fmt.Errorf("relay board: select %q: %w", pin[:1], err)
		}
		if err := r.second.Command(pin[1:]); err != nil {
			return fmt.Errorf("relay board: select %q: %w", pin, err)
		}
		return nil
	}
	if err := r.first.Command(pin); err != nil {
		return fmt.Errorf("relay board: select %q: %w", pin, err)
	}
	return nil
}

func isCascaded(pin string) bool {
	if len(pin) != 2 {
		return false
	}
	for _, c := range pin {
		if !unicode.IsLower(c) {
			return false
		}
	}
	return true
}

func (r *RelayBoard) Close() error {
	err := r.first.Close()
	if r.second != nil {
		if err2 := r.second.Close(); err == nil {
			err = err2
		}
	}
	return err
}
