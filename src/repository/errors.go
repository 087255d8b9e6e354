package repository

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"tradingcore/src/model"
)

// decodeMarkers are fragments database/sql puts in errors raised while
// converting a column into its Go field.
var decodeMarkers = []string{
	"sql: Scan error",
	"converting driver.Value",
	"unsupported Scan",
}

// classifyRead maps read errors onto the store contract: a missing row is
// model.ErrNotFound, a row that cannot be decoded is model.ErrCorruptRecord,
// anything else is returned as is and treated as transient.
func classifyRead(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	msg := err.Error()
	for _, marker := range decodeMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", model.ErrCorruptRecord, err)
		}
	}
	return err
}

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", model.ErrCorruptRecord, fmt.Sprintf(format, args...))
}
