package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// 交易所错误码（Bybit v5）。
const (
	CodeOK                  = 0
	CodeInvalidParams       = 10001
	CodeRateLimit           = 10006
	CodeLeverageNotModified = 110043
	CodeNotModified         = 34040
)

// ErrValidation 标记调用方输入数据有误（不可重试）。
var ErrValidation = errors.New("validation error")

// APIError 交易所返回的结构化错误。
type APIError struct {
	Code       int
	Msg        string
	HTTPStatus int
}

func (e *APIError) Error() string {
	if e.HTTPStatus != 0 && e.Code == 0 {
		return fmt.Sprintf("exchange http status %d: %s", e.HTTPStatus, e.Msg)
	}
	return fmt.Sprintf("exchange retCode=%d retMsg=%s", e.Code, e.Msg)
}

// WarningText 把可忽略的交易所告警转成 "code msg" 形式，非 APIError 返回原文。
func WarningText(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return fmt.Sprintf("%d %s", ae.Code, ae.Msg)
	}
	return err.Error()
}

// Class 错误分类。
type Class int

const (
	ClassOK Class = iota
	ClassValidation
	ClassRateLimit
	ClassIgnorable
	ClassFatal
	ClassTransient
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassValidation:
		return "validation"
	case ClassRateLimit:
		return "rate_limit"
	case ClassIgnorable:
		return "ignorable"
	case ClassFatal:
		return "fatal"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ClassifyCode 将 (code, httpStatus) 映射到错误分类。
func ClassifyCode(code, httpStatus int) Class {
	switch code {
	case CodeOK:
	case CodeInvalidParams:
		return ClassFatal
	case CodeRateLimit:
		return ClassRateLimit
	case CodeLeverageNotModified, CodeNotModified:
		return ClassIgnorable
	default:
		return ClassUnknown
	}
	switch {
	case httpStatus == 0 || httpStatus < 300:
		return ClassOK
	case httpStatus == http.StatusTooManyRequests:
		return ClassRateLimit
	case httpStatus >= 500:
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// Classify 将任意错误映射到错误分类，nil 视为 ClassOK。
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	if errors.Is(err, ErrValidation) {
		return ClassValidation
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return ClassifyCode(apiErr.Code, apiErr.HTTPStatus)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassUnknown
}

// IsRateLimit 是否为限流错误。
func IsRateLimit(err error) bool { return Classify(err) == ClassRateLimit }

// IsIgnorable 是否为可视为成功的"未修改"类告警。
func IsIgnorable(err error) bool { return Classify(err) == ClassIgnorable }

// CheckResponse 检查回执 retCode；0 与"未修改"视为成功。
func CheckResponse(resp RawResponse) error {
	if resp.RetCode == CodeOK {
		return nil
	}
	err := &APIError{Code: resp.RetCode, Msg: resp.RetMsg}
	if ClassifyCode(resp.RetCode, 0) == ClassIgnorable {
		return nil
	}
	return err
}
