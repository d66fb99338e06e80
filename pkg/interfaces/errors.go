// Package interfaces 定义 NetCom 公共接口
//
// 本文件定义接口层通用错误。
package interfaces

import "errors"

// 定义错误
var (
	// ErrDecisionAlreadySent 准入决策已发送
	ErrDecisionAlreadySent = errors.New("decision already sent")
)
