package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BpsDenominator количество базисных пунктов в единице.
const BpsDenominator = 10_000

const (
	secondsPerDay  = 86_400
	secondsPerHour = 3_600
)

var bpsDenominator = decimal.NewFromInt(BpsDenominator)

// DayIndex номер календарного дня UTC: floor(unix / 86400).
func DayIndex(t time.Time) int64 {
	return floorDiv(t.Unix(), secondsPerDay)
}

// HourIndex номер часа UTC: floor(unix / 3600).
func HourIndex(t time.Time) int64 {
	return floorDiv(t.Unix(), secondsPerHour)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// RatioBps возвращает part/whole в базисных пунктах. Для whole <= 0 результат 0.
func RatioBps(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Mul(bpsDenominator).Div(whole)
}

// Bps переводит целые базисные пункты в decimal для сравнений.
func Bps(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// Duration time.Duration с JSON-представлением "90s" / "5m". Число трактуется как секунды.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}
