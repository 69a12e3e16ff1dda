package utils

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// ProcessValidationErrors flattens validator.v10 errors into field messages.
func ProcessValidationErrors(err error) map[string]string {
	errorsMap := make(map[string]string)
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, fieldErr := range validationErrors {
			errorsMap[fieldErr.Field()] = "failed on " + fieldErr.Tag()
		}
	}
	return errorsMap
}

// ConvertToDate truncates t to a date in the company's timezone so period
// comparisons ignore the time-of-day component.
func ConvertToDate(t time.Time, timezone string) (time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return t, err
	}
	localTime := t.In(location)
	dateOnly := time.Date(localTime.Year(), localTime.Month(), localTime.Day(), 0, 0, 0, 0, location)
	return dateOnly, nil
}

// RoundMoney applies the fixed 2-decimal rounding used for every monetary
// and cost amount. Rounding happens at each step, not only at the end, so
// repeated replays are reproducible bit-for-bit.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
