package trial

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Distribution describes the range a parameter value was drawn from.
// Values are kept in an internal float64 representation so every
// distribution can be stored and compared the same way.
type Distribution interface {
	ToInternal(v any) (float64, error)
	ToExternal(f float64) any
	Contains(f float64) bool
}

// Uniform is a continuous range [Low, High).
type Uniform struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

func (d Uniform) ToInternal(v any) (float64, error) { return toFloat(v) }
func (d Uniform) ToExternal(f float64) any          { return f }

func (d Uniform) Contains(f float64) bool {
	if d.Low == d.High {
		return f == d.Low
	}
	return d.Low <= f && f < d.High
}

func (d Uniform) String() string {
	return fmt.Sprintf("Uniform(low=%v, high=%v)", d.Low, d.High)
}

// LogUniform is a continuous range [Low, High) sampled in log domain.
type LogUniform struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

func (d LogUniform) ToInternal(v any) (float64, error) { return toFloat(v) }
func (d LogUniform) ToExternal(f float64) any          { return f }

func (d LogUniform) Contains(f float64) bool {
	if d.Low == d.High {
		return f == d.Low
	}
	return d.Low <= f && f < d.High
}

func (d LogUniform) String() string {
	return fmt.Sprintf("LogUniform(low=%v, high=%v)", d.Low, d.High)
}

// DiscreteUniform is the grid Low, Low+Q, ..., High.
type DiscreteUniform struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
	Q    float64 `json:"q"`
}

func (d DiscreteUniform) ToInternal(v any) (float64, error) { return toFloat(v) }
func (d DiscreteUniform) ToExternal(f float64) any          { return f }

func (d DiscreteUniform) Contains(f float64) bool {
	return d.Low <= f && f <= d.High
}

func (d DiscreteUniform) String() string {
	return fmt.Sprintf("DiscreteUniform(low=%v, high=%v, q=%v)", d.Low, d.High, d.Q)
}

// IntUniform is the integer range [Low, High].
type IntUniform struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

func (d IntUniform) ToInternal(v any) (float64, error) { return toFloat(v) }
func (d IntUniform) ToExternal(f float64) any          { return int(f) }

func (d IntUniform) Contains(f float64) bool {
	return float64(d.Low) <= f && f <= float64(d.High)
}

func (d IntUniform) String() string {
	return fmt.Sprintf("IntUniform(low=%d, high=%d)", d.Low, d.High)
}

// Categorical picks one of Choices. The internal representation is the
// index of the choice.
type Categorical struct {
	Choices []any `json:"choices"`
}

func (d Categorical) ToInternal(v any) (float64, error) {
	for i, c := range d.Choices {
		if reflect.DeepEqual(c, v) {
			return float64(i), nil
		}
	}
	return 0, fmt.Errorf("%v is not one of the choices %v", v, d.Choices)
}

func (d Categorical) ToExternal(f float64) any {
	if !d.Contains(f) {
		return nil
	}
	return d.Choices[int(f)]
}

func (d Categorical) Contains(f float64) bool {
	i := int(f)
	return float64(i) == f && 0 <= i && i < len(d.Choices)
}

func (d Categorical) String() string {
	return fmt.Sprintf("Categorical(choices=%v)", d.Choices)
}

type distributionJSON struct {
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes"`
}

// MarshalDistribution encodes d as {"name": ..., "attributes": {...}}.
func MarshalDistribution(d Distribution) ([]byte, error) {
	var name string
	switch d.(type) {
	case Uniform:
		name = "UniformDistribution"
	case LogUniform:
		name = "LogUniformDistribution"
	case DiscreteUniform:
		name = "DiscreteUniformDistribution"
	case IntUniform:
		name = "IntUniformDistribution"
	case Categorical:
		name = "CategoricalDistribution"
	default:
		return nil, fmt.Errorf("unknown distribution %T", d)
	}
	attrs, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return json.Marshal(distributionJSON{Name: name, Attributes: attrs})
}

// UnmarshalDistribution is the inverse of MarshalDistribution.
func UnmarshalDistribution(data []byte) (Distribution, error) {
	var raw distributionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal distribution: %w", err)
	}

	var (
		d   Distribution
		err error
	)
	switch raw.Name {
	case "UniformDistribution":
		var u Uniform
		err = json.Unmarshal(raw.Attributes, &u)
		d = u
	case "LogUniformDistribution":
		var u LogUniform
		err = json.Unmarshal(raw.Attributes, &u)
		d = u
	case "DiscreteUniformDistribution":
		var u DiscreteUniform
		err = json.Unmarshal(raw.Attributes, &u)
		d = u
	case "IntUniformDistribution":
		var u IntUniform
		err = json.Unmarshal(raw.Attributes, &u)
		d = u
	case "CategoricalDistribution":
		var c Categorical
		err = json.Unmarshal(raw.Attributes, &c)
		d = c
	default:
		return nil, fmt.Errorf("unknown distribution %q", raw.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s attributes: %w", raw.Name, err)
	}
	return d, nil
}

// SameDistribution reports whether a and b encode to the same search
// space. Categorical choices compare by their JSON form, so an int choice
// read back from storage as float64 still matches.
func SameDistribution(a, b Distribution) bool {
	ja, err := MarshalDistribution(a)
	if err != nil {
		return false
	}
	jb, err := MarshalDistribution(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return math.NaN(), fmt.Errorf("%v (%T) is not numeric", v, v)
}
