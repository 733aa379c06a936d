package postgresql

import (
	"database/sql"
	"time"
)

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}

	return &v.Int64
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}

	return &v.Time
}

// jsonArg passes an empty document as SQL NULL.
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}

	return raw
}
