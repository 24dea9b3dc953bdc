package model

import (
	"fmt"
	"time"
)

const (
	hoursPerDay = 24
	daysPerWeek = 7
)

// ComputeFee prices a rental window from the credential's fee schedule.
// Partial hours and days are rounded up.
//
//   - up to one day: hourly rate per hour
//   - up to seven days: daily rate per day
//   - longer: weekly rate per whole week plus daily rate per remaining day
//
// The result depends only on the window and the schedule so it can always be
// recomputed server-side.
func ComputeFee(w RentalWindow, fees FeeSchedule) (int64, error) {
	if fees.HourlyRate < 0 || fees.DailyRate < 0 || fees.WeeklyRate < 0 {
		return 0, fmt.Errorf("%w: fee rates must not be negative", ErrValidation)
	}
	d := w.End.Sub(w.Start)
	if d <= 0 {
		return 0, fmt.Errorf("%w: rental window end must be after start", ErrValidation)
	}

	hours := ceilDiv(d, time.Hour)
	if hours <= hoursPerDay {
		return fees.HourlyRate * hours, nil
	}

	days := ceilDiv(d, hoursPerDay*time.Hour)
	if days <= daysPerWeek {
		return fees.DailyRate * days, nil
	}

	weeks := days / daysPerWeek
	rem := days % daysPerWeek
	return weeks*fees.WeeklyRate + rem*fees.DailyRate, nil
}

func ceilDiv(d, unit time.Duration) int64 {
	n := int64(d / unit)
	if d%unit != 0 {
		n++
	}
	return n
}
