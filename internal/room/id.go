package room

import (
	"strings"

	"github.com/google/uuid"
)

// idPrefix 房間 ID 格式為 room_<uuid>
const idPrefix = "room_"

// NewID 生成房間 ID
func NewID() string {
	return idPrefix + uuid.NewString()
}

// ValidID 檢查房間 ID 格式；格式錯誤的 ID 不可能存在，連線端不應重試
func ValidID(id string) bool {
	rest, ok := strings.CutPrefix(id, idPrefix)
	if !ok || len(rest) != 36 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
