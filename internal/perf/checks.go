package perf

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/fiblab/fibload/internal/fibserver"
)

// bodyJSON decodes numbers as json.Number so large Fibonacci values stay exact.
var bodyJSON = jsoniter.Config{UseNumber: true}.Froze()

// Check names recorded by body verification.
const (
	CheckBodySchema = "body matches schema"
	CheckBodyValue  = "fibonacci_number is correct"
)

// FibonacciResponseSchema describes a successful service response.
const FibonacciResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["order_number", "fibonacci_number", "status_code", "message"],
  "properties": {
    "order_number": {"type": "integer", "minimum": 0, "maximum": 93},
    "fibonacci_number": {"type": "integer", "minimum": 0},
    "status_code": {"type": "integer"},
    "message": {"type": "string"}
  }
}`

// BodyChecker verifies Fibonacci response bodies. The schema is compiled
// once and shared by every VU; Schema.Validate is safe for concurrent use.
type BodyChecker struct {
	schema *jsonschema.Schema
}

// NewBodyChecker compiles the response schema.
func NewBodyChecker() (*BodyChecker, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("fibonacci.json", strings.NewReader(FibonacciResponseSchema)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	schema, err := compiler.Compile("fibonacci.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	return &BodyChecker{schema: schema}, nil
}

// CheckSchema validates body against the response schema.
func (c *BodyChecker) CheckSchema(body []byte) error {
	var doc interface{}
	if err := bodyJSON.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return c.schema.Validate(doc)
}

// CheckValue compares the reported fibonacci_number with F(n).
func (c *BodyChecker) CheckValue(body []byte, n int) error {
	result := gjson.GetBytes(body, "fibonacci_number")
	if !result.Exists() {
		return fmt.Errorf("path not found: fibonacci_number")
	}
	if result.Type != gjson.Number {
		return fmt.Errorf("fibonacci_number is %s, not a number", result.Type)
	}

	want := fibserver.Iterative(n)
	if got := result.Uint(); got != want {
		return fmt.Errorf("fibonacci_number for %d = %d, want %d", n, got, want)
	}
	return nil
}
