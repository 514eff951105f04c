package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Forever is the [Duration] that disables a time limit.
const Forever Duration = -1

// Duration is a [time.Duration] written as a string ("250ms", "5m") or
// "forever" in config files.
type Duration time.Duration

func (d Duration) String() string {
	if d == Forever {
		return "forever"
	}

	return time.Duration(d).String()
}

// MarshalJSON implements [json.Marshaler].
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string, "forever", or a number of
// nanoseconds (-1 for forever).
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string

	err := json.Unmarshal(data, &s)
	if err != nil {
		var n int64

		numErr := json.Unmarshal(data, &n)
		if numErr != nil {
			return fmt.Errorf("%w: duration %s", ErrInvalidValue, data)
		}

		*d = Duration(n)

		return nil
	}

	if s == "forever" {
		*d = Forever

		return nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: duration %q", ErrInvalidValue, s)
	}

	*d = Duration(v)

	return nil
}
