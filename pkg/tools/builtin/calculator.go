package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"

	"github.com/harun/ragent/pkg/tools"
)

// CalculatorName is the registered name of the calculator tool.
const CalculatorName = "calculator"

var expressionCharset = regexp.MustCompile(`^[0-9+\-*/().\s]+$`)

var (
	errInvalidCharacters = errors.New("expression contains invalid characters")
	errDivisionByZero    = errors.New("division by zero")
)

// Calculator evaluates basic arithmetic expressions.
func Calculator() tools.Definition {
	return tools.Definition{
		Name:        CalculatorName,
		Description: "Evaluate an arithmetic expression using + - * / and parentheses",
		Params: []tools.Param{
			{Name: "expression", Type: "string", Description: "Expression to evaluate, e.g. 15 * 8 + 32", Required: true},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"result":     map[string]any{"type": "number"},
				"expression": map[string]any{"type": "string"},
			},
			"required": []string{"result", "expression"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			expression, _ := args["expression"].(string)
			v, err := Evaluate(expression)
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": v, "expression": expression}, nil
		},
	}
}

// FormatNumber renders v without a trailing fractional part when it is integral.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Evaluate parses and computes input. Only digits, decimal points, the four
// operators, parentheses and whitespace are accepted.
func Evaluate(input string) (float64, error) {
	if strings.TrimSpace(input) == "" {
		return 0, errors.New("expression is empty")
	}
	if !expressionCharset.MatchString(input) {
		return 0, errInvalidCharacters
	}

	divByZero := false
	nonzero := expr.Function(divisorFunc, func(params ...any) (any, error) {
		switch v := params[0].(type) {
		case int:
			divByZero = v == 0
		case float64:
			divByZero = v == 0
		}
		if divByZero {
			return nil, errDivisionByZero
		}
		return params[0], nil
	})

	program, err := expr.Compile(input, expr.AsFloat64(), nonzero, expr.Patch(divisorGuard{}))
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}
	out, err := expr.Run(program, nil)
	if divByZero {
		return 0, errDivisionByZero
	}
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate expression: %w", err)
	}

	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("expression produced %T, not a number", out)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.New("result is not a finite number")
	}
	return v, nil
}

const divisorFunc = "nonzero"

// divisorGuard routes every divisor through the nonzero function so division
// by zero fails instead of producing Inf.
type divisorGuard struct{}

func (divisorGuard) Visit(node *ast.Node) {
	n, ok := (*node).(*ast.BinaryNode)
	if !ok || n.Operator != "/" {
		return
	}
	n.Right = &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: divisorFunc},
		Arguments: []ast.Node{n.Right},
	}
}
