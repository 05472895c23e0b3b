// crud_helpers.go — 通用删除操作 (表名/列名经 Identifier 清洗)。
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeleteByKey 按主键删除单条记录。
func DeleteByKey(ctx context.Context, pool *pgxpool.Pool, table, keyCol, keyVal string) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{keyCol}.Sanitize())
	_, err := pool.Exec(ctx, sql, keyVal)
	return err
}

// DeleteBatchByKeys 按主键批量删除，返回删除行数。
func DeleteBatchByKeys(ctx context.Context, pool *pgxpool.Pool, table, keyCol string, keys []string) (int64, error) {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1::text[])",
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{keyCol}.Sanitize())
	tag, err := pool.Exec(ctx, sql, keys)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
