package utils

import (
	"github.com/google/uuid"
)

// GetUUID 生成随机的唯一标识，用于监听器句柄与会话id
func GetUUID() string {
	return uuid.NewString()
}
