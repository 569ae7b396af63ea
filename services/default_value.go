package services

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/holistech/QGIS/models"
)

// ErrExpression 默认值表达式编译或求值失败
var ErrExpression = errors.New("默认值表达式求值失败")

// 分割操作类型
const (
	OperationNone  = 0
	OperationSplit = 1
)

// SplitContext 分割上下文，求值时以只读变量形式暴露给表达式
// 每次分割调用显式构造并传入，不读取任何全局状态
type SplitContext struct {
	OperationType  int
	PredecessorIDs []int64
	OperationDate  string
}

// EmptySplitContext 非分割触发的普通求值上下文
func EmptySplitContext() *SplitContext {
	return &SplitContext{OperationType: OperationNone}
}

// PredecessorPolicy 前驱ID序列映射到标量字段的策略
type PredecessorPolicy int

const (
	// PredecessorLast 取最后追加的前驱ID（默认）
	PredecessorLast PredecessorPolicy = iota
	// PredecessorFirst 取第一个前驱ID
	PredecessorFirst
	// PredecessorJoin 逗号连接为字符串
	PredecessorJoin
)

// ParsePredecessorPolicy 解析策略名，空串取默认策略
func ParsePredecessorPolicy(name string) (PredecessorPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "last":
		return PredecessorLast, true
	case "first":
		return PredecessorFirst, true
	case "join":
		return PredecessorJoin, true
	}
	return PredecessorLast, false
}

// DefaultValueEngine 字段默认值表达式引擎
// 无状态可重入，编译结果按表达式缓存
type DefaultValueEngine struct {
	policy   PredecessorPolicy
	programs map[string]*vm.Program
}

func NewDefaultValueEngine() *DefaultValueEngine {
	return &DefaultValueEngine{
		policy:   PredecessorLast,
		programs: make(map[string]*vm.Program),
	}
}

// SetPredecessorPolicy 配置序列到标量的映射规则
func (e *DefaultValueEngine) SetPredecessorPolicy(p PredecessorPolicy) {
	e.policy = p
}

// Evaluate 对单个字段求默认值
// isUpdate为true且定义未开启ApplyOnUpdate时跳过求值，返回原值
func (e *DefaultValueEngine) Evaluate(def *models.DefaultValueDefinition, feature *models.Feature, ctx *SplitContext, fieldName string, isUpdate bool) (interface{}, error) {
	existing := feature.Attributes[fieldName]
	if !def.IsValid() {
		return existing, nil
	}
	if isUpdate && !def.ApplyOnUpdate {
		return existing, nil
	}
	if ctx == nil {
		ctx = EmptySplitContext()
	}

	program, err := e.compile(def.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExpression, err)
	}

	result, err := expr.Run(program, e.environment(feature, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExpression, err)
	}
	return e.coerce(result), nil
}

func (e *DefaultValueEngine) compile(expression string) (*vm.Program, error) {
	if program, ok := e.programs[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression,
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}
	e.programs[expression] = program
	return program, nil
}

// environment 求值环境：要素属性 + 要素ID + 分割变量
func (e *DefaultValueEngine) environment(feature *models.Feature, ctx *SplitContext) map[string]interface{} {
	env := make(map[string]interface{}, len(feature.Attributes)+4)
	for k, v := range feature.Attributes {
		env[k] = v
	}
	env["feature_id"] = feature.ID
	env["sm_operation_type"] = ctx.OperationType
	env["sm_operation_date"] = ctx.OperationDate
	env[models.PredecessorVariable] = append([]int64(nil), ctx.PredecessorIDs...)
	return env
}

// coerce 前驱序列出现在标量字段时按策略降为单值
func (e *DefaultValueEngine) coerce(value interface{}) interface{} {
	ids, ok := asIDSlice(value)
	if !ok {
		return value
	}
	if len(ids) == 0 {
		return nil
	}
	switch e.policy {
	case PredecessorFirst:
		return ids[0]
	case PredecessorJoin:
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return strings.Join(parts, ",")
	default:
		return ids[len(ids)-1]
	}
}

func asIDSlice(value interface{}) ([]int64, bool) {
	switch v := value.(type) {
	case []int64:
		return v, true
	case []interface{}:
		ids := make([]int64, 0, len(v))
		for _, item := range v {
			id, ok := item.(int64)
			if !ok {
				return nil, false
			}
			ids = append(ids, id)
		}
		return ids, true
	}
	return nil, false
}
