package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/shopspring/decimal"
)

// parseAmount converts a model-supplied amount in major units to minor units.
// Empty values are zero. Thousands separators and a leading currency symbol are tolerated.
func parseAmount(v any, exp int32) (int64, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		s = x.String()
	case string:
		s = x
	case float64:
		s = decimal.NewFromFloat(x).String()
	case int64:
		s = decimal.NewFromInt(x).String()
	case int:
		s = decimal.NewFromInt(int64(x)).String()
	default:
		return 0, fmt.Errorf("amount has unsupported type %T", v)
	}
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$€£¥")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not a number", s)
	}
	return models.DecimalToMinor(d, exp)
}
