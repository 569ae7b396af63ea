package services

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/holistech/QGIS/geosplit"
	"github.com/holistech/QGIS/models"
	"github.com/paulmach/orb"
	"gorm.io/gorm"
)

var (
	// ErrUnsupportedGeometry 图层几何类型不支持分割
	ErrUnsupportedGeometry = errors.New("图层几何类型不支持分割")
	// ErrNoSplitPerformed 切割线没有分割出新的部分
	ErrNoSplitPerformed = geosplit.ErrNoSplit
)

// SplitStatus splitFeatures的聚合结果状态
type SplitStatus int

const (
	// SplitSuccess 所有候选要素均分割成功
	SplitSuccess SplitStatus = iota
	// SplitNoFeaturesAffected 切割线没有触及任何要素（不是错误）
	SplitNoFeaturesAffected
	// SplitPartialFailure 部分要素分割失败，其余正常完成
	SplitPartialFailure
	// SplitFailed 所有候选要素都失败
	SplitFailed
)

// SplitOptions 分割选项
type SplitOptions struct {
	// PreserveTopology 拓扑编辑开关。当前实现只处理外环分割，
	// 不产生需要联动调整的共享边界，该开关不影响任何行为，
	// 仅为接口兼容保留
	PreserveTopology bool
}

// FeatureSplitOutcome 单个候选要素的分割结果
type FeatureSplitOutcome struct {
	FeatureID int64
	NewIDs    []int64
	Err       error
}

// SplitResult splitFeatures的整体结果
type SplitResult struct {
	Status   SplitStatus
	Outcomes []FeatureSplitOutcome
	Created  []int64
}

// VectorLayer 可编辑矢量图层
// 单写者模型：编辑会话内的调用串行进行
type VectorLayer struct {
	db     *gorm.DB
	Name   string
	Fields []models.LayerField

	setting  models.LayerSetting
	defaults map[int]*models.DefaultValueDefinition
	engine   *DefaultValueEngine

	buffer  *EditBuffer
	session *models.EditSession

	// 会话内派生要素 -> 分割来源要素，提交时落库为溯源记录
	pendingParents map[int64]int64
}

// OpenLayer 打开图层并加载字段与配置
func OpenLayer(db *gorm.DB, name string) (*VectorLayer, error) {
	layer := &VectorLayer{
		db:       db,
		Name:     name,
		defaults: make(map[int]*models.DefaultValueDefinition),
		engine:   NewDefaultValueEngine(),
	}
	if err := db.Where("layer_name = ?", name).Order("field_index").Find(&layer.Fields).Error; err != nil {
		return nil, fmt.Errorf("加载图层字段失败: %w", err)
	}
	for _, f := range layer.Fields {
		if def := f.DefaultValue(); def != nil {
			layer.defaults[f.FieldIndex] = def
		}
	}
	err := db.Where("layer_name = ?", name).First(&layer.setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 无配置时按面状图层处理
		layer.setting = models.LayerSetting{LayerName: name, GeometryType: "Polygon", Srid: 4326}
	} else if err != nil {
		return nil, fmt.Errorf("加载图层配置失败: %w", err)
	}
	return layer, nil
}

// Engine 默认值表达式引擎
func (l *VectorLayer) Engine() *DefaultValueEngine {
	return l.engine
}

// IsSpatial 图层是否带几何
func (l *VectorLayer) IsSpatial() bool {
	return l.setting.GeometryType != ""
}

// IsEditing 是否有打开的编辑会话
func (l *VectorLayer) IsEditing() bool {
	return l.buffer != nil && l.buffer.IsOpen()
}

// Buffer 当前编辑缓冲区，未开启编辑时为nil
func (l *VectorLayer) Buffer() *EditBuffer {
	return l.buffer
}

// StartEditing 打开编辑会话，返回会话句柄
func (l *VectorLayer) StartEditing() (string, error) {
	if l.IsEditing() {
		return l.session.Handle, nil
	}
	session := &models.EditSession{
		LayerName: l.Name,
		Handle:    uuid.New().String(),
		CreatedAt: time.Now().Format("2006-01-02 15:04:05"),
		Status:    models.SessionActive,
	}
	if err := l.db.Create(session).Error; err != nil {
		return "", fmt.Errorf("创建编辑会话失败: %w", err)
	}
	l.session = session
	l.buffer = NewEditBuffer(&gormFeatureSource{db: l.db, layerName: l.Name})
	l.pendingParents = make(map[int64]int64)
	return session.Handle, nil
}

// RollBack 放弃缓冲区内全部改动并关闭会话
func (l *VectorLayer) RollBack() error {
	if !l.IsEditing() {
		return ErrNotEditable
	}
	l.session.Status = models.SessionRolledBack
	if err := l.db.Save(l.session).Error; err != nil {
		return fmt.Errorf("更新会话状态失败: %w", err)
	}
	l.buffer.Close()
	l.buffer = nil
	l.session = nil
	l.pendingParents = nil
	return nil
}

// SetDefaultValueDefinition 配置字段默认值表达式
func (l *VectorLayer) SetDefaultValueDefinition(fieldIndex int, def models.DefaultValueDefinition) error {
	for i := range l.Fields {
		if l.Fields[i].FieldIndex != fieldIndex {
			continue
		}
		l.Fields[i].Expression = def.Expression
		l.Fields[i].ApplyOnUpdate = def.ApplyOnUpdate
		if err := l.db.Save(&l.Fields[i]).Error; err != nil {
			return fmt.Errorf("保存字段默认值失败: %w", err)
		}
		if def.IsValid() {
			l.defaults[fieldIndex] = &models.DefaultValueDefinition{Expression: def.Expression, ApplyOnUpdate: def.ApplyOnUpdate}
		} else {
			delete(l.defaults, fieldIndex)
		}
		return nil
	}
	return fmt.Errorf("字段序号%d不存在", fieldIndex)
}

// FeatureCount 要素总数，编辑中时含缓冲区改动
func (l *VectorLayer) FeatureCount() (int64, error) {
	if l.IsEditing() {
		return l.buffer.FeatureCount()
	}
	var count int64
	err := l.db.Model(&models.FeatureRow{}).Where("layer_name = ?", l.Name).Count(&count).Error
	return count, err
}

// GetFeatures 全部要素，编辑中时为叠加层视角
func (l *VectorLayer) GetFeatures() ([]*models.Feature, error) {
	if l.IsEditing() {
		return l.buffer.AllFeatures()
	}
	src := &gormFeatureSource{db: l.db, layerName: l.Name}
	return src.Features()
}

// GetFeature 按ID取要素
func (l *VectorLayer) GetFeature(id int64) (*models.Feature, error) {
	if l.IsEditing() {
		return l.buffer.Feature(id)
	}
	src := &gormFeatureSource{db: l.db, layerName: l.Name}
	return src.Feature(id)
}

// SplitFeatures 用切割线分割被触及的要素
//
// 每个候选要素独立处理：第一部分写回原要素几何，其余部分
// 以新要素入缓冲区；默认值表达式在分割上下文下重新计算，
// 原要素按isUpdate=true、新要素按isUpdate=false求值。
// 单个要素失败不会中断其他要素
func (l *VectorLayer) SplitFeatures(cut orb.LineString, opts SplitOptions) (*SplitResult, error) {
	if !l.IsEditing() {
		return nil, ErrNotEditable
	}
	if !l.IsSpatial() || l.setting.GeometryType != "Polygon" {
		return nil, ErrUnsupportedGeometry
	}
	if len(cut) < 2 {
		return nil, geosplit.ErrBadCutLine
	}

	candidates, err := l.buffer.FeaturesIntersecting(cut)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &SplitResult{Status: SplitNoFeaturesAffected}, nil
	}

	now := time.Now().Format("2006-01-02 15:04:05")
	result := &SplitResult{}
	failed := 0
	for _, f := range candidates {
		outcome := l.splitOne(f, cut, now)
		if outcome.Err != nil {
			failed++
		} else {
			result.Created = append(result.Created, outcome.NewIDs...)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	switch {
	case failed == 0:
		result.Status = SplitSuccess
	case failed == len(candidates):
		result.Status = SplitFailed
	default:
		result.Status = SplitPartialFailure
	}
	return result, nil
}

// splitOne 分割单个要素，改动先暂存，全部求值成功后才写入缓冲区，
// 保证表达式失败时该要素不留下半套状态
func (l *VectorLayer) splitOne(f *models.Feature, cut orb.LineString, now string) FeatureSplitOutcome {
	outcome := FeatureSplitOutcome{FeatureID: f.ID}

	parts, err := geosplit.SplitPolygon(f.Geometry, cut)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	ctx := &SplitContext{
		OperationType:  OperationSplit,
		PredecessorIDs: []int64{f.ID},
		OperationDate:  now,
	}

	// 原要素：ApplyOnUpdate字段在分割上下文下重新计算
	stagedAtts := make(map[string]interface{})
	for _, fld := range l.orderedDefaults() {
		def := l.defaults[fld.FieldIndex]
		value, err := l.engine.Evaluate(def, f, ctx, fld.Name, true)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		if !attributeEqual(value, f.Attributes[fld.Name]) {
			stagedAtts[fld.Name] = value
		}
	}

	// 其余部分：复制属性后按创建语义计算默认值
	var children []*models.Feature
	for _, part := range parts[1:] {
		child := f.Clone()
		child.ID = models.NullFeatureID
		child.Geometry = part
		for _, fld := range l.orderedDefaults() {
			def := l.defaults[fld.FieldIndex]
			value, err := l.engine.Evaluate(def, child, ctx, fld.Name, false)
			if err != nil {
				outcome.Err = err
				return outcome
			}
			child.Attributes[fld.Name] = value
		}
		children = append(children, child)
	}

	// 求值全部通过，改动落入缓冲区
	if err := l.buffer.UpdateGeometry(f.ID, parts[0]); err != nil {
		outcome.Err = err
		return outcome
	}
	for name, value := range stagedAtts {
		if err := l.buffer.UpdateAttribute(f.ID, name, value); err != nil {
			outcome.Err = err
			return outcome
		}
	}
	for _, child := range children {
		id, err := l.buffer.AddFeature(child)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		l.pendingParents[id] = f.ID
		outcome.NewIDs = append(outcome.NewIDs, id)
	}
	return outcome
}

// CommitChanges 提交缓冲区到底层存储
func (l *VectorLayer) CommitChanges() error {
	if !l.IsEditing() {
		return ErrNotEditable
	}
	manager := NewCommitManager(l.db, l)
	if _, err := manager.Commit(l.buffer); err != nil {
		return err
	}
	l.buffer.Close()
	l.buffer = nil
	l.session = nil
	l.pendingParents = nil
	return nil
}

// provenanceFields 表达式引用了前驱ID变量的字段名
// 提交后的临时ID重映射只针对这些字段
func (l *VectorLayer) provenanceFields() []string {
	var names []string
	for _, fld := range l.orderedDefaults() {
		if l.defaults[fld.FieldIndex].RefersToPredecessors() {
			names = append(names, fld.Name)
		}
	}
	return names
}

// orderedDefaults 配置了默认值的字段，按字段序号排列
func (l *VectorLayer) orderedDefaults() []models.LayerField {
	var fields []models.LayerField
	for _, fld := range l.Fields {
		if _, ok := l.defaults[fld.FieldIndex]; ok {
			fields = append(fields, fld)
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].FieldIndex < fields[j].FieldIndex })
	return fields
}

// attributeEqual 属性值比较，数值类型按值比
func attributeEqual(a, b interface{}) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// gormFeatureSource 基于gorm的已提交要素快照
type gormFeatureSource struct {
	db        *gorm.DB
	layerName string
}

func (s *gormFeatureSource) Features() ([]*models.Feature, error) {
	var rows []models.FeatureRow
	if err := s.db.Where("layer_name = ?", s.layerName).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	features := make([]*models.Feature, 0, len(rows))
	for i := range rows {
		f, err := rows[i].ToFeature()
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

func (s *gormFeatureSource) Feature(id int64) (*models.Feature, error) {
	var row models.FeatureRow
	err := s.db.Where("layer_name = ? AND id = ?", s.layerName, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownFeature
	}
	if err != nil {
		return nil, err
	}
	return row.ToFeature()
}
