package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"listing_watcher/internal/domain"
)

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// placeholders writes "($n, $n+1, ...)" groups for multi-row inserts.
func placeholders(rows, cols int) string {
	buf := make([]byte, 0, rows*cols*5)
	for i := 0; i < rows; i++ {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		buf = append(buf, '(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				buf = append(buf, ", "...)
			}
			buf = fmt.Appendf(buf, "$%d", i*cols+j+1)
		}
		buf = append(buf, ')')
	}
	return string(buf)
}
