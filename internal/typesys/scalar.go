package typesys

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/me/mobgo/pkg/model"
)

// BooleanType converts literal truthy/falsy token sets.
type BooleanType struct{}

func (BooleanType) Name() string { return "Boolean" }

// Convert maps off|false|0|"" to false and on|true|1 to true,
// case-insensitive.
func (BooleanType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "Boolean"
	switch v := value.(type) {
	case bool:
		return v, eff, nil
	case nil:
		return false, eff, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "off", "false", "0", "":
			return false, eff, nil
		case "on", "true", "1":
			return true, eff, nil
		}
		return nil, eff, model.NewUserValueError("", "%q is not a boolean value", v)
	case int:
		return v != 0, eff, nil
	case float64:
		return v != 0, eff, nil
	}
	return nil, eff, model.NewUserValueError("", "%v is not a boolean value", value)
}

func (BooleanType) Validate(value any, c Constraints) error {
	if _, ok := value.(bool); !ok {
		return model.NewUserValueError("", "%v is not a boolean value", value)
	}
	return nil
}

// IntegerType accepts values whose float cast has no fractional
// remainder, so "8.0" converts to 8 and "8.2" is rejected.
type IntegerType struct{}

func (IntegerType) Name() string { return "Integer" }

func (IntegerType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "Integer"
	f, err := toFloat(value)
	if err != nil {
		return nil, eff, model.NewUserValueError("", "%v is not an integer", value)
	}
	if _, frac := math.Modf(f); frac != 0 {
		return nil, eff, model.NewUserValueError("", "%v is not an integer", value)
	}
	return int(f), eff, nil
}

func (IntegerType) Validate(value any, c Constraints) error {
	i, ok := value.(int)
	if !ok {
		return model.NewUserValueError("", "%v is not an integer", value)
	}
	return checkScale(float64(i), c)
}

// FloatType converts numeric literals to float64.
type FloatType struct{}

func (FloatType) Name() string { return "Float" }

func (FloatType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "Float"
	f, err := toFloat(value)
	if err != nil {
		return nil, eff, model.NewUserValueError("", "%v is not a number", value)
	}
	return f, eff, nil
}

func (FloatType) Validate(value any, c Constraints) error {
	f, ok := value.(float64)
	if !ok {
		return model.NewUserValueError("", "%v is not a number", value)
	}
	return checkScale(f, c)
}

// stringAllowed matches the characters a String value may carry: word
// characters, space, ', -, +, comma, @ and dots. Repeated dots are
// rejected separately (Go regexp has no lookahead).
var stringAllowed = regexp.MustCompile(`^[\w '+,@.-]*$`)

// StringType validates free-text scalar values against an allow-list.
type StringType struct{}

func (StringType) Name() string { return "String" }

func (StringType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "String"
	switch v := value.(type) {
	case string:
		return v, eff, nil
	case nil:
		return "", eff, nil
	default:
		return fmt.Sprintf("%v", v), eff, nil
	}
}

func (StringType) Validate(value any, c Constraints) error {
	s, ok := value.(string)
	if !ok {
		return model.NewUserValueError("", "%v is not a string", value)
	}
	// A value may be wrapped in single quotes as a whole.
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		s = s[1 : len(s)-1]
	}
	if strings.Contains(s, "..") || !stringAllowed.MatchString(s) {
		return model.NewUserValueError("", "%q contains forbidden characters", s)
	}
	return nil
}

// ChoiceType restricts a value to a declared list.
type ChoiceType struct{}

func (ChoiceType) Name() string { return "Choice" }

func (ChoiceType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "Choice"
	return fmt.Sprintf("%v", value), eff, nil
}

func (ChoiceType) Validate(value any, c Constraints) error {
	s := fmt.Sprintf("%v", value)
	for _, allowed := range c.ValueList {
		if s == allowed {
			return nil
		}
	}
	return model.NewUserValueError("", "%q is not an authorized value", s)
}

// MultipleChoiceType restricts each selected value to a declared list
// and stores the selection joined with the parameter separator.
type MultipleChoiceType struct{}

func (MultipleChoiceType) Name() string { return "MultipleChoice" }

func (MultipleChoiceType) Convert(value any, accepted MobyleType) (any, MobyleType, error) {
	eff := accepted
	eff.DataType = "MultipleChoice"
	switch v := value.(type) {
	case []string:
		return v, eff, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = fmt.Sprintf("%v", item)
		}
		return out, eff, nil
	case string:
		return []string{v}, eff, nil
	}
	return nil, eff, model.NewUserValueError("", "%v is not a valid selection", value)
}

func (MultipleChoiceType) Validate(value any, c Constraints) error {
	sel, ok := value.([]string)
	if !ok {
		return model.NewUserValueError("", "%v is not a valid selection", value)
	}
	for _, s := range sel {
		found := false
		for _, allowed := range c.ValueList {
			if s == allowed {
				found = true
				break
			}
		}
		if !found {
			return model.NewUserValueError("", "%q is not an authorized value", s)
		}
	}
	return nil
}

// Join renders a multiple-choice selection with its separator for
// command construction.
func (MultipleChoiceType) Join(value any, c Constraints) string {
	sel, ok := value.([]string)
	if !ok {
		return fmt.Sprintf("%v", value)
	}
	sep := c.Separator
	if sep == "" {
		sep = ","
	}
	return strings.Join(sel, sep)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, fmt.Errorf("not a number: %v", value)
}

func checkScale(f float64, c Constraints) error {
	if c.Min != nil && f < *c.Min {
		return model.NewUserValueError("", "%v is below the minimum of %v", f, *c.Min)
	}
	if c.Max != nil && f > *c.Max {
		return model.NewUserValueError("", "%v is above the maximum of %v", f, *c.Max)
	}
	return nil
}
