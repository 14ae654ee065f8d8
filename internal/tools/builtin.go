package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RegisterBuiltins adds the always-available tools: the current date and a
// safe arithmetic evaluator.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(Definition{
		Name:        "get_current_date",
		Description: "Get the current date in YYYY-MM-DD format",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
		Handler: func(_ context.Context, _ json.RawMessage) (string, error) {
			return time.Now().Format("2006-01-02"), nil
		},
	}); err != nil {
		return err
	}
	return r.Register(Definition{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression supporting + - * / % ^ and parentheses",
		Schema: json.RawMessage(`{
			"type":"object",
			"properties":{
				"expression":{"type":"string","description":"Arithmetic expression, e.g. (2+3)*4"}
			},
			"required":["expression"]
		}`),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Expression string `json:"expression"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			expr := strings.TrimSpace(in.Expression)
			if expr == "" {
				return "", errors.New("missing expression")
			}
			v, err := evalExpression(expr)
			if err != nil {
				return "", err
			}
			return formatNumber(v), nil
		},
	})
}

// formatNumber prints integers without a decimal point and everything else
// with minimal digits.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// evalExpression evaluates a plain arithmetic expression. No names, no
// calls, no side effects; a recursive-descent parser over a fixed grammar.
func evalExpression(input string) (float64, error) {
	p := &exprParser{src: input}
	v, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.src[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.New("result out of range")
	}
	return v, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpaces()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, errors.New("Division by zero")
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, errors.New("Division by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePower()
}

// parsePower binds tighter than unary minus on its right operand and is
// right-associative: 2^3^2 is 2^(3^2).
func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseAtom()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		exp, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseAtom() (float64, error) {
	c := p.peek()
	if c == '(' {
		p.pos++
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, errors.New("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	start := p.pos
	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		if (ch >= '0' && ch <= '9') || ch == '.' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		if p.pos >= len(p.src) {
			return 0, errors.New("unexpected end of expression")
		}
		return 0, fmt.Errorf("unexpected character %q at position %d", p.src[p.pos], p.pos)
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.src[start:p.pos])
	}
	return v, nil
}
