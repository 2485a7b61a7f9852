package repos // 仓储包

import ( // 依赖导入
	"context" // 上下文处理
	"errors"  // 错误判断
	"strings" // 字符串处理

	"github.com/jackc/pgx/v5"        // pgx 接口
	"github.com/jackc/pgx/v5/pgconn" // 连接命令结果

	"device-operation-management/api/internal/models" // 领域模型
)

type DBTX interface { // 数据库事务/连接抽象
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error) // 执行语句
	Query(context.Context, string, ...any) (pgx.Rows, error)         // 查询多行
	QueryRow(context.Context, string, ...any) pgx.Row                // 查询单行
}

func nullIfEmpty(v string) any { // 空字符串转 NULL
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func mapNoRows(err error) error { // 无记录映射为 ErrNotFound
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func pageArgs(page *models.PaginationRequest) (any, int) { // 分页参数，nil 表示不限制
	if page == nil {
		return nil, 0
	}
	return page.Limit, page.Offset
}
