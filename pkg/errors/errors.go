// Package errors 提供配對服務的錯誤分類
//
// 錯誤分類（每個錯誤只影響單一請求或單一房間，不會導致行程終止）：
//   - VALIDATION_ERROR   → 空代碼、無效代碼、非數字分數（400，同步拒絕，不改變狀態）
//   - NOT_FOUND          → 房間尚不可加入（Join Client 依此重試）
//   - RESERVATION_FAILED → 底層無法建立房間（500，不在 registry 層重試）
//   - CAPACITY_EXCEEDED  → 第三位玩家加入（409，由傳輸層在進入房間邏輯前拒絕）
//   - JOIN_FAILED        → Join Client 的終止錯誤（重試耗盡或不可重試的失敗）
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 錯誤碼
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeReservationFailed = "RESERVATION_FAILED"
	ErrCodeCapacityExceeded  = "CAPACITY_EXCEEDED"
	ErrCodeJoinFailed        = "JOIN_FAILED"
	ErrCodeUnavailable       = "SERVICE_UNAVAILABLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓預定義錯誤可用於 errors.Is
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本（預定義錯誤不可被修改）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrInvalidCode 代碼為空或格式錯誤
	ErrInvalidCode = New(ErrCodeValidation, "invalid code")

	// ErrInvalidScore 分數不是數字
	ErrInvalidScore = New(ErrCodeValidation, "score must be a number")

	// ErrNotSeated 發送者沒有座位
	ErrNotSeated = New(ErrCodeValidation, "sender is not seated")

	// ErrRoomNotFound 房間不存在（或尚不可見）
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrRoomFull 房間已滿
	ErrRoomFull = New(ErrCodeCapacityExceeded, "room is full")

	// ErrReservationFailed 無法建立房間
	ErrReservationFailed = New(ErrCodeReservationFailed, "reservation failed")

	// ErrJoinFailed 無法加入房間
	ErrJoinFailed = New(ErrCodeJoinFailed, "join failed")

	// ErrUnavailable 依賴的服務未啟用
	ErrUnavailable = New(ErrCodeUnavailable, "service unavailable")
)

// CodeOf 取出錯誤碼，非 AppError 視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsValidation 檢查是否為驗證錯誤
func IsValidation(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeValidation
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeNotFound
}

// IsCapacityExceeded 檢查是否為房間已滿
func IsCapacityExceeded(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeCapacityExceeded
}

// IsReservationFailed 檢查是否為建立房間失敗
func IsReservationFailed(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeReservationFailed
}

// IsJoinFailed 檢查是否為加入失敗
func IsJoinFailed(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeJoinFailed
}

// HTTPStatus 將錯誤對應到 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeCapacityExceeded:
		return http.StatusConflict
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
