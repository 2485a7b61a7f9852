package models // 模型包

import ( // 依赖导入
	"errors" // 错误定义
	"time"   // 时间类型

	"github.com/google/uuid" // UUID 类型
)

var ErrNotFound = errors.New("not found") // 记录不存在

type Tenant struct { // 租户模型
	TenantID  uuid.UUID // 租户 ID
	Slug      string    // 租户标识
	Name      string    // 租户名称
	CreatedAt time.Time // 创建时间
}

const ( // 注册状态
	EnrollmentActive   = "ACTIVE"
	EnrollmentInactive = "INACTIVE"
	EnrollmentRemoved  = "REMOVED"
)

type Enrollment struct { // 设备注册模型
	EnrollmentID int64     // 注册 ID
	TenantID     uuid.UUID // 租户 ID
	Device       DeviceIdentifier
	Owner        string    // 注册所有者
	Status       string    // 注册状态
	CreatedAt    time.Time // 创建时间
	UpdatedAt    time.Time // 更新时间
}

type OutboxEvent struct { // 发件箱事件
	EventID       uuid.UUID  // 事件 ID
	TenantID      uuid.UUID  // 租户 ID
	AggregateType string     // 聚合类型
	AggregateID   string     // 聚合 ID
	Topic         string     // Kafka 主题
	Payload       []byte     // 负载数据
	Status        string     // 投递状态
	Attempts      int        // 重试次数
	NextRetryAt   *time.Time // 下次重试时间
	LockedAt      *time.Time // 锁定时间
	LockedBy      *string    // 锁定者
	LastError     *string    // 最近错误
	CreatedAt     time.Time  // 创建时间
	UpdatedAt     time.Time  // 更新时间
	PublishedAt   *time.Time // 发布时间
}

type AuditLog struct { // 审计日志模型
	AuditID      uuid.UUID // 审计 ID
	OccurredAt   time.Time // 发生时间
	TenantID     uuid.UUID // 租户 ID
	Subject      string    // 认证主体
	Action       string    // 动作
	ResourceType *string   // 资源类型
	ResourceID   *string   // 资源 ID
	RequestID    string    // 请求 ID
	Method       string    // HTTP 方法
	Path         string    // 请求路径
	StatusCode   int       // 状态码
	DurationMS   int64     // 耗时毫秒
	ClientIP     string    // 客户端 IP
	UserAgent    string    // UA 信息
	Details      []byte    // 详情数据
}
