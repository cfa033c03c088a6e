package grid

import (
	"time"

	"fundingflow/internal/model"
)

// Reconcile projects raw settlement events onto an hourly UTC grid
// covering [start, end). Every hour in the range yields exactly one
// row: hours with a settlement carry its rate, hours without one carry
// a nil rate recording that the hour was checked and found empty.
// Events are snapped to the top of their hour; when several events
// collapse into the same hour the one with the latest raw timestamp
// wins.
func Reconcile(events []model.RawEvent, symbol string, exchange model.Exchange, start, end time.Time) []model.FundingRateEvent {
	start = start.UTC().Truncate(time.Hour)
	end = end.UTC()

	if !end.After(start) {
		return nil
	}

	type cell struct {
		rate  float64
		rawMs int64
	}
	byHour := make(map[time.Time]cell)
	for _, ev := range events {
		hour := ev.Time().Truncate(time.Hour)
		if hour.Before(start) || !hour.Before(end) {
			continue
		}
		if prev, ok := byHour[hour]; ok && prev.rawMs > ev.TimestampMs {
			continue
		}
		byHour[hour] = cell{rate: ev.Rate, rawMs: ev.TimestampMs}
	}

	hours := int(end.Sub(start) / time.Hour)
	if start.Add(time.Duration(hours) * time.Hour).Before(end) {
		hours++
	}

	rows := make([]model.FundingRateEvent, 0, hours)
	for i := 0; i < hours; i++ {
		hour := start.Add(time.Duration(i) * time.Hour)
		row := model.FundingRateEvent{
			TimestampUTC: hour,
			Symbol:       symbol,
			Exchange:     exchange,
		}
		if c, ok := byHour[hour]; ok {
			rate := c.rate
			row.Rate = &rate
		}
		rows = append(rows, row)
	}
	return rows
}
