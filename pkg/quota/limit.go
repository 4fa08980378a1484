package quota

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Limit is a token budget. Unlimited budgets are accounted but never deny.
type Limit int64

// Unlimited is the sentinel limit that never denies.
const Unlimited Limit = -1

// DefaultWindow is the budget window used when no policy names one.
const DefaultWindow = 30 * 24 * time.Hour

// MaxTokens bounds a single estimate or measurement. Larger values are
// rejected as invalid requests.
const MaxTokens int64 = 1 << 53

// AddTokens sums token counts, treating negative counts as zero and
// saturating at math.MaxInt64.
func AddTokens(counts ...int64) int64 {
	var sum int64
	for _, n := range counts {
		if n <= 0 {
			continue
		}
		if n > math.MaxInt64-sum {
			return math.MaxInt64
		}
		sum += n
	}
	return sum
}

// IsUnlimited reports whether l never denies.
func (l Limit) IsUnlimited() bool {
	return l < 0
}

// Fits reports whether estimate fits in the headroom l leaves after used
// and reserved. Unlimited budgets always fit.
func (l Limit) Fits(used, reserved, estimate int64) bool {
	if l.IsUnlimited() {
		return true
	}
	return estimate <= int64(l)-AddTokens(used, reserved)
}

// Remaining returns max(0, l - used), or -1 when l is unlimited.
func (l Limit) Remaining(used int64) int64 {
	if l.IsUnlimited() {
		return -1
	}
	if r := int64(l) - AddTokens(used); r > 0 {
		return r
	}
	return 0
}

// String renders the limit, using "unlimited" for the sentinel.
func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(l), 10)
}

// ParseLimit accepts an integer, -1, or "unlimited".
func ParseLimit(s string) (Limit, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "unlimited", "inf", "-1":
		return Unlimited, nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(s, "_", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q: %w", s, err)
	}
	if n < -1 {
		return 0, fmt.Errorf("invalid limit %q: must be >= 0 or unlimited", s)
	}
	if n == -1 {
		return Unlimited, nil
	}
	return Limit(n), nil
}

// UnmarshalYAML accepts integers and the string "unlimited".
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: limit must be a scalar", value.Line)
	}
	parsed, err := ParseLimit(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*l = parsed
	return nil
}

// MarshalYAML writes the sentinel as -1.
func (l Limit) MarshalYAML() (interface{}, error) {
	return int64(l), nil
}

// UnmarshalJSON accepts numbers and the string "unlimited".
func (l *Limit) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseLimit(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalJSON writes the limit as a number.
func (l Limit) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(l))
}

// ParseWindow accepts Go durations ("720h") and day counts ("30d").
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid window %q: must be positive", s)
	}
	return d, nil
}

// FormatWindow renders whole-day windows as "Nd".
func FormatWindow(d time.Duration) string {
	day := 24 * time.Hour
	if d > 0 && d%day == 0 {
		return fmt.Sprintf("%dd", int64(d/day))
	}
	return d.String()
}
