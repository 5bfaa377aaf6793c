// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors 提供统一的错误定义与包装辅助。
// intake 与 store 返回这里的哨兵错误，API 层用 errors.Is 映射为 HTTP 状态码。
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrDefinitionNotFound 工作流定义不存在（指定 (name, version) 未注册）
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	// ErrRunNotFound Run 不存在
	ErrRunNotFound = errors.New("run not found")
	// ErrStepNotFound Run 中不存在指定步骤
	ErrStepNotFound = errors.New("step not found")
	// ErrRunTerminal Run 已处于终态，不能再取消或重试
	ErrRunTerminal = errors.New("run is in a terminal state")
	// ErrInvalidDefinition 定义校验失败（步骤为空、stepId 重复、策略参数非法等）
	ErrInvalidDefinition = errors.New("invalid workflow definition")
)

// Is 判断错误链中是否包含目标错误
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap 包装错误并附加上下文消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 包装错误并附加格式化消息
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
