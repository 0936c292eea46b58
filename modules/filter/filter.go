// Package filter 实现事件上报过滤器
//
// 过滤规则为一个 JSON 对象, 例如
//
//	{"type": "message", ".or": [{"detail_type": "private"}, {"group_id": {".in": ["1", "2"]}}]}
//
// 以 "." 开头的键为操作符, 其余键为事件字段的 gjson 路径.
package filter

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Filter 事件过滤器, 实现 obc.EventFilter
type Filter interface {
	Eval(payload gjson.Result) bool
}

type builder func(argument gjson.Result) (Filter, error)

var operators map[string]builder

func init() {
	operators = map[string]builder{
		"not":      newNotOp,
		"and":      newAndOp,
		"or":       newOrOp,
		"eq":       newEqOp,
		"neq":      newNeqOp,
		"in":       newInOp,
		"contains": newContainsOp,
		"regex":    newRegexOp,
	}
}

// Generate 根据操作符名 opName 及参数 argument 创建过滤器
func Generate(opName string, argument gjson.Result) (Filter, error) {
	fn, ok := operators[opName]
	if !ok {
		return nil, errors.Errorf("the operator %s is not supported", opName)
	}
	return fn(argument)
}

// Parse 解析过滤规则
func Parse(rule []byte) (Filter, error) {
	if !gjson.ValidBytes(rule) {
		return nil, errors.New("filter rule is not valid json")
	}
	return Generate("and", gjson.ParseBytes(rule))
}

type notOperator struct {
	operand Filter
}

func newNotOp(argument gjson.Result) (Filter, error) {
	if !argument.IsObject() {
		return nil, errors.New("the argument of 'not' operator must be an object")
	}
	f, err := Generate("and", argument)
	if err != nil {
		return nil, err
	}
	return &notOperator{operand: f}, nil
}

func (op *notOperator) Eval(payload gjson.Result) bool {
	return !op.operand.Eval(payload)
}

type operand struct {
	path   string // 为空时作用于整个 payload
	filter Filter
}

type andOperator struct {
	operands []operand
}

func newAndOp(argument gjson.Result) (Filter, error) {
	if !argument.IsObject() {
		return nil, errors.New("the argument of 'and' operator must be an object")
	}
	op := new(andOperator)
	var err error
	argument.ForEach(func(key, value gjson.Result) bool {
		var f Filter
		var path string
		switch {
		case strings.HasPrefix(key.Str, "."):
			f, err = Generate(key.Str[1:], value)
		case value.IsObject():
			path = key.Str
			f, err = Generate("and", value)
		default:
			path = key.Str
			f, err = Generate("eq", value)
		}
		if err != nil {
			err = errors.Wrapf(err, "key %s", key.Str)
			return false
		}
		op.operands = append(op.operands, operand{path: path, filter: f})
		return true
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (op *andOperator) Eval(payload gjson.Result) bool {
	for _, o := range op.operands {
		v := payload
		if o.path != "" {
			v = payload.Get(o.path)
		}
		if !o.filter.Eval(v) {
			return false
		}
	}
	return true
}

type orOperator struct {
	operands []Filter
}

func newOrOp(argument gjson.Result) (Filter, error) {
	if !argument.IsArray() {
		return nil, errors.New("the argument of 'or' operator must be an array")
	}
	op := new(orOperator)
	for _, value := range argument.Array() {
		f, err := Generate("and", value)
		if err != nil {
			return nil, err
		}
		op.operands = append(op.operands, f)
	}
	return op, nil
}

func (op *orOperator) Eval(payload gjson.Result) bool {
	for _, f := range op.operands {
		if f.Eval(payload) {
			return true
		}
	}
	return false
}

type eqOperator string

func newEqOp(argument gjson.Result) (Filter, error) {
	return eqOperator(argument.String()), nil
}

func (op eqOperator) Eval(payload gjson.Result) bool {
	return payload.String() == string(op)
}

type neqOperator string

func newNeqOp(argument gjson.Result) (Filter, error) {
	return neqOperator(argument.String()), nil
}

func (op neqOperator) Eval(payload gjson.Result) bool {
	return payload.String() != string(op)
}

// inOperator 参数为数组时判断是否为其中之一, 为字符串时判断是否为其子串
type inOperator struct {
	str   string
	array map[string]struct{}
}

func newInOp(argument gjson.Result) (Filter, error) {
	if argument.IsObject() {
		return nil, errors.New("the argument of 'in' operator must be an array or a string")
	}
	op := new(inOperator)
	if argument.IsArray() {
		op.array = make(map[string]struct{})
		for _, v := range argument.Array() {
			op.array[v.String()] = struct{}{}
		}
		return op, nil
	}
	op.str = argument.String()
	return op, nil
}

func (op *inOperator) Eval(payload gjson.Result) bool {
	if op.array != nil {
		_, ok := op.array[payload.String()]
		return ok
	}
	return strings.Contains(op.str, payload.String())
}

type containsOperator string

func newContainsOp(argument gjson.Result) (Filter, error) {
	if argument.IsArray() || argument.IsObject() {
		return nil, errors.New("the argument of 'contains' operator must be a string")
	}
	return containsOperator(argument.String()), nil
}

func (op containsOperator) Eval(payload gjson.Result) bool {
	return strings.Contains(payload.String(), string(op))
}

type regexOperator struct {
	regex *regexp.Regexp
}

func newRegexOp(argument gjson.Result) (Filter, error) {
	if argument.IsArray() || argument.IsObject() {
		return nil, errors.New("the argument of 'regex' operator must be a string")
	}
	re, err := regexp.Compile(argument.String())
	if err != nil {
		return nil, errors.Wrap(err, "compile regex")
	}
	return &regexOperator{regex: re}, nil
}

func (op *regexOperator) Eval(payload gjson.Result) bool {
	return op.regex.MatchString(payload.String())
}
