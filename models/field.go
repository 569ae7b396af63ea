package models

import "strings"

// PredecessorVariable 分割上下文中前驱ID变量名
const PredecessorVariable = "sm_predecessor_ids"

// LayerField 图层字段定义
type LayerField struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	LayerName     string `gorm:"type:varchar(255);index"`
	FieldIndex    int    // 字段位置
	Name          string `gorm:"type:varchar(255)"` // 字段名
	Type          string `gorm:"type:varchar(50)"`  // 数据类型
	Expression    string `gorm:"type:text"`         // 默认值表达式
	ApplyOnUpdate bool   // 更新时是否重新计算默认值
}

// DefaultValueDefinition 字段默认值定义
// ApplyOnUpdate为false时表达式只在要素创建时计算一次
type DefaultValueDefinition struct {
	Expression    string
	ApplyOnUpdate bool
}

func (d *DefaultValueDefinition) IsValid() bool {
	return d != nil && strings.TrimSpace(d.Expression) != ""
}

// RefersToPredecessors 表达式是否引用前驱ID变量
// 提交时只对这类字段做临时ID重映射
func (d *DefaultValueDefinition) RefersToPredecessors() bool {
	return d != nil && strings.Contains(d.Expression, PredecessorVariable)
}

// DefaultValue 字段上配置的默认值定义
func (f *LayerField) DefaultValue() *DefaultValueDefinition {
	if strings.TrimSpace(f.Expression) == "" {
		return nil
	}
	return &DefaultValueDefinition{Expression: f.Expression, ApplyOnUpdate: f.ApplyOnUpdate}
}
