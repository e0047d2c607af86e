package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSONDuration is a time.Duration that reads and writes JSON as a Go duration
// string, e.g. "90s" or "1h30m".
type JSONDuration time.Duration

func (d *JSONDuration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if dur < 0 {
		return fmt.Errorf("duration %s is negative", s)
	}
	*d = JSONDuration(dur)
	return nil
}

func (d JSONDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d JSONDuration) Duration() time.Duration {
	return time.Duration(d)
}

// Or returns def when d is unset.
func (d JSONDuration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}
