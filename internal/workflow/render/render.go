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

// Package render 纯函数模板渲染。
// 对任意 JSON 值递归替换字符串中的 {{path}} 占位符，
// path 以点号在 {input, context, run} 信封上逐层取值。
// 渲染不做任何 I/O，信封之外的状态不可见。
package render

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Envelope 渲染数据信封
type Envelope struct {
	Input   map[string]interface{}
	Context map[string]interface{}
	Run     map[string]interface{}
}

func (e Envelope) root() map[string]interface{} {
	return map[string]interface{}{
		"input":   e.Input,
		"context": e.Context,
		"run":     e.Run,
	}
}

// Render 返回与 value 结构相同的副本，字符串中的占位符已替换。
// 缺失路径替换为空串；非字符串标量原样通过；map 的键不参与替换。
func Render(value interface{}, env Envelope) interface{} {
	return renderValue(value, env.root())
}

// RenderString 渲染单个字符串
func RenderString(s string, env Envelope) string {
	return substitute(s, env.root())
}

// RenderStringMap 渲染 header 这类字符串表
func RenderStringMap(m map[string]string, env Envelope) map[string]string {
	if m == nil {
		return nil
	}
	root := env.root()
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = substitute(v, root)
	}
	return out
}

func renderValue(value interface{}, root map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return substitute(v, root)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = renderValue(item, root)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = renderValue(item, root)
		}
		return out
	default:
		return v
	}
}

func substitute(s string, root map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(placeholderRe.FindStringSubmatch(m)[1])
		return stringify(resolve(root, path))
	})
}

// resolve 沿点号路径在嵌套 map 中取值，任一段缺失返回 nil
func resolve(root map[string]interface{}, path string) interface{} {
	var cur interface{} = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON 解码的数字统一为 float64，整数不输出小数点
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
