/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rate represents the maximum number of requests within the window.
// Text form is "N/unit" where unit is "s", "m", "h" or a Go duration (e.g., "10/s", "100/m", "5/1500ms").
type Rate struct {
	Count  int
	Window time.Duration
}

// String returns a string representation of the rate.
// Implements fmt.Stringer interface.
func (r Rate) String() string {
	if r.Count == 0 && r.Window == 0 {
		return ""
	}
	var w string
	switch r.Window {
	case time.Second:
		w = "s"
	case time.Minute:
		w = "m"
	case time.Hour:
		w = "h"
	default:
		w = r.Window.String()
	}
	return fmt.Sprintf("%d/%s", r.Count, w)
}

// ParseRate parses the text representation of the rate.
func ParseRate(s string) (Rate, error) {
	var r Rate
	err := r.unmarshal(s)
	return r, err
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (r *Rate) UnmarshalText(text []byte) error {
	return r.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (r *Rate) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return r.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return r.unmarshal(text)
}

func (r *Rate) unmarshal(rate string) error {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		*r = Rate{}
		return nil
	}
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for rate %q, should be N/(s|m|h|<duration>), for example 10/s, 100/m, 5/1500ms", rate)
	countStr, windowStr, found := strings.Cut(rate, "/")
	if !found {
		return incorrectFormatErr
	}
	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil || count <= 0 {
		return incorrectFormatErr
	}
	var window time.Duration
	switch windowStr = strings.ToLower(strings.TrimSpace(windowStr)); windowStr {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		if window, err = time.ParseDuration(windowStr); err != nil || window.Milliseconds() <= 0 {
			return incorrectFormatErr
		}
	}
	*r = Rate{Count: count, Window: window}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (r Rate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (r Rate) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (r Rate) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}
