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

package render

import (
	"reflect"
	"testing"
)

func testEnv() Envelope {
	return Envelope{
		Input: map[string]interface{}{
			"orderId": "o1",
			"amount":  float64(100),
			"nested":  map[string]interface{}{"sku": "s1"},
		},
		Context: map[string]interface{}{
			"correlationId": "corr-9",
		},
		Run: map[string]interface{}{
			"id": "run-1",
			"steps": map[string]interface{}{
				"charge-payment": map[string]interface{}{
					"output": map[string]interface{}{"chargeId": "ch_42"},
				},
			},
		},
	}
}

func TestRenderString(t *testing.T) {
	env := testEnv()

	cases := []struct {
		in   string
		want string
	}{
		{"{{input.orderId}}", "o1"},
		{"order={{input.orderId}} amount={{input.amount}}", "order=o1 amount=100"},
		{"{{input.nested.sku}}", "s1"},
		{"{{run.steps.charge-payment.output.chargeId}}", "ch_42"},
		{"{{context.correlationId}}", "corr-9"},
		{"{{input.missing.deep}}", ""},
		{"no placeholders", "no placeholders"},
		{"{{ input.orderId }}", "o1"},
	}
	for _, c := range cases {
		if got := RenderString(c.in, env); got != c.want {
			t.Errorf("RenderString(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRenderRecursive(t *testing.T) {
	env := testEnv()

	in := map[string]interface{}{
		"order":  "{{input.orderId}}",
		"amount": float64(100),
		"active": true,
		"items": []interface{}{
			"{{input.nested.sku}}",
			map[string]interface{}{"charge": "{{run.steps.charge-payment.output.chargeId}}"},
		},
	}
	want := map[string]interface{}{
		"order":  "o1",
		"amount": float64(100),
		"active": true,
		"items": []interface{}{
			"s1",
			map[string]interface{}{"charge": "ch_42"},
		},
	}

	got := Render(in, env)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Render mismatch\n got: %#v\nwant: %#v", got, want)
	}
}

// 不含占位符的值渲染后结构必须完全相等
func TestRenderRoundTrip(t *testing.T) {
	env := testEnv()

	in := map[string]interface{}{
		"plain":  "text",
		"number": float64(3.5),
		"flag":   false,
		"list":   []interface{}{"a", float64(1), nil},
		"obj":    map[string]interface{}{"k": "v"},
	}
	got := Render(in, env)
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("round trip mismatch\n got: %#v\nwant: %#v", got, in)
	}
}

func TestRenderStringMap(t *testing.T) {
	env := testEnv()

	headers := map[string]string{
		"authorization": "Bearer {{context.correlationId}}",
		"x-static":      "fixed",
	}
	got := RenderStringMap(headers, env)
	if got["authorization"] != "Bearer corr-9" {
		t.Errorf("authorization = %q", got["authorization"])
	}
	if got["x-static"] != "fixed" {
		t.Errorf("x-static = %q", got["x-static"])
	}
	if RenderStringMap(nil, env) != nil {
		t.Error("nil map should stay nil")
	}
}
