package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DayRingSize: 7 дней скользящей недели + текущий день для недельной просадки.
const DayRingSize = 8

const weekDays = 7

// DayBucket агрегаты одного календарного дня UTC.
type DayBucket struct {
	Used           bool            `json:"used"`
	Day            int64           `json:"day"`
	Volume         decimal.Decimal `json:"volume"`
	Trades         uint32          `json:"trades"`
	StartEquity    decimal.Decimal `json:"start_equity"`
	HasStartEquity bool            `json:"has_start_equity"`
}

// RiskCounters скользящие счетчики пары (user, agent).
// Нулевое значение валидно и означает "сделок еще не было".
type RiskCounters struct {
	LastTradeTime time.Time              `json:"last_trade_time"`
	HourIndex     int64                  `json:"hour_index"`
	TradesInHour  uint32                 `json:"trades_in_hour"`
	Days          [DayRingSize]DayBucket `json:"days"`
}

func slotOf(day int64) int {
	s := day % DayRingSize
	if s < 0 {
		s += DayRingSize
	}
	return int(s)
}

func (c *RiskCounters) bucket(day int64) (DayBucket, bool) {
	b := c.Days[slotOf(day)]
	if !b.Used || b.Day != day {
		return DayBucket{}, false
	}
	return b, true
}

// touch возвращает слот дня, вытесняя более старый день из того же слота.
func (c *RiskCounters) touch(day int64) *DayBucket {
	b := &c.Days[slotOf(day)]
	if !b.Used || b.Day != day {
		*b = DayBucket{Used: true, Day: day}
	}
	return b
}

func (c *RiskCounters) DailyVolume(day int64) decimal.Decimal {
	b, _ := c.bucket(day)
	return b.Volume
}

// WeeklyVolume сумма объема за дни [day-6, day].
func (c *RiskCounters) WeeklyVolume(day int64) decimal.Decimal {
	total := decimal.Zero
	for _, b := range c.Days {
		if b.Used && b.Day <= day && b.Day > day-weekDays {
			total = total.Add(b.Volume)
		}
	}
	return total
}

func (c *RiskCounters) TradesOnDay(day int64) uint32 {
	b, _ := c.bucket(day)
	return b.Trades
}

func (c *RiskCounters) TradesThisHour(hour int64) uint32 {
	if c.HourIndex != hour {
		return 0
	}
	return c.TradesInHour
}

func (c *RiskCounters) DayStartEquity(day int64) (decimal.Decimal, bool) {
	b, ok := c.bucket(day)
	if !ok || !b.HasStartEquity {
		return decimal.Zero, false
	}
	return b.StartEquity, true
}

// WeekStartEquity самый старый снимок капитала в окне [day-7, day].
func (c *RiskCounters) WeekStartEquity(day int64) (decimal.Decimal, bool) {
	var (
		found  bool
		oldest int64
		equity decimal.Decimal
	)
	for _, b := range c.Days {
		if !b.Used || !b.HasStartEquity || b.Day > day || b.Day < day-weekDays {
			continue
		}
		if !found || b.Day < oldest {
			found, oldest, equity = true, b.Day, b.StartEquity
		}
	}
	return equity, found
}

// SeedDayStartEquity фиксирует капитал на начало дня. Повторный вызов в тот же день ничего не меняет.
func (c *RiskCounters) SeedDayStartEquity(day int64, equity decimal.Decimal) bool {
	b := c.touch(day)
	if b.HasStartEquity {
		return false
	}
	b.StartEquity = equity
	b.HasStartEquity = true
	return true
}

// RecordTrade учитывает успешную сделку объемом size в момент now.
func (c *RiskCounters) RecordTrade(now time.Time, size decimal.Decimal) {
	b := c.touch(DayIndex(now))
	b.Volume = b.Volume.Add(size)
	b.Trades++

	hour := HourIndex(now)
	if c.HourIndex != hour {
		c.HourIndex = hour
		c.TradesInHour = 0
	}
	c.TradesInHour++
	c.LastTradeTime = now
}

// Usage снимок использования лимитов на момент now (для API и превью).
type Usage struct {
	Day            int64            `json:"day"`
	DailyVolume    decimal.Decimal  `json:"daily_volume"`
	WeeklyVolume   decimal.Decimal  `json:"weekly_volume"`
	TradesToday    uint32           `json:"trades_today"`
	TradesThisHour uint32           `json:"trades_this_hour"`
	LastTradeTime  time.Time        `json:"last_trade_time"`
	DayStartEquity *decimal.Decimal `json:"day_start_equity,omitempty"`
}

func (c *RiskCounters) Usage(now time.Time) Usage {
	day := DayIndex(now)
	u := Usage{
		Day:            day,
		DailyVolume:    c.DailyVolume(day),
		WeeklyVolume:   c.WeeklyVolume(day),
		TradesToday:    c.TradesOnDay(day),
		TradesThisHour: c.TradesThisHour(HourIndex(now)),
		LastTradeTime:  c.LastTradeTime,
	}
	if eq, ok := c.DayStartEquity(day); ok {
		u.DayStartEquity = &eq
	}
	return u
}
