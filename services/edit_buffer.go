package services

import (
	"errors"
	"sort"

	"github.com/holistech/QGIS/geosplit"
	"github.com/holistech/QGIS/models"
	"github.com/paulmach/orb"
)

var (
	// ErrNotEditable 没有打开的编辑会话
	ErrNotEditable = errors.New("图层不处于编辑状态")
	// ErrUnknownFeature 缓冲区和底层快照中都找不到该要素
	ErrUnknownFeature = errors.New("要素不存在")
)

// FeatureSource 已提交要素的只读快照
type FeatureSource interface {
	Features() ([]*models.Feature, error)
	Feature(id int64) (*models.Feature, error)
}

// EditBuffer 编辑会话期间的内存改动叠加层
// 新增要素持有严格递减的负临时ID，提交时统一换成入库ID。
// 单写者模型，不做并发保护
type EditBuffer struct {
	source FeatureSource

	added      map[int64]*models.Feature
	addedOrder []int64
	changedGeo map[int64]orb.Polygon
	changedAtt map[int64]map[string]interface{}
	deleted    map[int64]bool

	nextTempID int64
	open       bool
}

func NewEditBuffer(source FeatureSource) *EditBuffer {
	return &EditBuffer{
		source:     source,
		added:      make(map[int64]*models.Feature),
		changedGeo: make(map[int64]orb.Polygon),
		changedAtt: make(map[int64]map[string]interface{}),
		deleted:    make(map[int64]bool),
		nextTempID: models.NullFeatureID - 1, // 临时ID从-2开始
		open:       true,
	}
}

// Close 关闭缓冲区，之后任何操作都返回ErrNotEditable
func (b *EditBuffer) Close() {
	b.open = false
}

func (b *EditBuffer) IsOpen() bool {
	return b.open
}

// IsEmpty 缓冲区没有任何待提交改动
func (b *EditBuffer) IsEmpty() bool {
	return len(b.added) == 0 && len(b.changedGeo) == 0 && len(b.changedAtt) == 0 && len(b.deleted) == 0
}

// AddFeature 登记新增要素并分配临时ID
func (b *EditBuffer) AddFeature(f *models.Feature) (int64, error) {
	if !b.open {
		return models.NullFeatureID, ErrNotEditable
	}
	id := b.nextTempID
	b.nextTempID--
	nf := f.Clone()
	nf.ID = id
	b.added[id] = nf
	b.addedOrder = append(b.addedOrder, id)
	return id, nil
}

// UpdateGeometry 修改要素几何
func (b *EditBuffer) UpdateGeometry(id int64, geom orb.Polygon) error {
	if !b.open {
		return ErrNotEditable
	}
	if err := b.checkKnown(id); err != nil {
		return err
	}
	if f, ok := b.added[id]; ok {
		f.Geometry = geom.Clone()
		return nil
	}
	b.changedGeo[id] = geom.Clone()
	return nil
}

// UpdateAttribute 修改要素属性
func (b *EditBuffer) UpdateAttribute(id int64, field string, value interface{}) error {
	if !b.open {
		return ErrNotEditable
	}
	if err := b.checkKnown(id); err != nil {
		return err
	}
	if f, ok := b.added[id]; ok {
		f.Attributes[field] = value
		return nil
	}
	atts, ok := b.changedAtt[id]
	if !ok {
		atts = make(map[string]interface{})
		b.changedAtt[id] = atts
	}
	atts[field] = value
	return nil
}

// DeleteFeature 删除要素；会话内新增的要素直接从缓冲区移除
func (b *EditBuffer) DeleteFeature(id int64) error {
	if !b.open {
		return ErrNotEditable
	}
	if err := b.checkKnown(id); err != nil {
		return err
	}
	if _, ok := b.added[id]; ok {
		delete(b.added, id)
		for i, tid := range b.addedOrder {
			if tid == id {
				b.addedOrder = append(b.addedOrder[:i], b.addedOrder[i+1:]...)
				break
			}
		}
		return nil
	}
	delete(b.changedGeo, id)
	delete(b.changedAtt, id)
	b.deleted[id] = true
	return nil
}

// Feature 叠加层视角下的单个要素
func (b *EditBuffer) Feature(id int64) (*models.Feature, error) {
	if !b.open {
		return nil, ErrNotEditable
	}
	if b.deleted[id] {
		return nil, ErrUnknownFeature
	}
	if f, ok := b.added[id]; ok {
		return f.Clone(), nil
	}
	f, err := b.source.Feature(id)
	if err != nil {
		return nil, err
	}
	return b.overlay(f), nil
}

// AllFeatures 底层快照与叠加层的并集，按ID升序
func (b *EditBuffer) AllFeatures() ([]*models.Feature, error) {
	if !b.open {
		return nil, ErrNotEditable
	}
	stored, err := b.source.Features()
	if err != nil {
		return nil, err
	}
	result := make([]*models.Feature, 0, len(stored)+len(b.added))
	for _, f := range b.added {
		result = append(result, f.Clone())
	}
	for _, f := range stored {
		if b.deleted[f.ID] {
			continue
		}
		result = append(result, b.overlay(f))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// FeaturesIntersecting 被切割线触及的要素，按ID升序保证处理顺序确定
func (b *EditBuffer) FeaturesIntersecting(cut orb.LineString) ([]*models.Feature, error) {
	all, err := b.AllFeatures()
	if err != nil {
		return nil, err
	}
	var hits []*models.Feature
	for _, f := range all {
		if geosplit.LineIntersectsPolygon(f.Geometry, cut) {
			hits = append(hits, f)
		}
	}
	return hits, nil
}

// FeatureCount 叠加层视角下的要素总数
func (b *EditBuffer) FeatureCount() (int64, error) {
	all, err := b.AllFeatures()
	if err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}

// AddedInOrder 新增要素，按临时ID分配顺序
func (b *EditBuffer) AddedInOrder() []*models.Feature {
	result := make([]*models.Feature, 0, len(b.addedOrder))
	for _, id := range b.addedOrder {
		result = append(result, b.added[id])
	}
	return result
}

// ChangedIDs 有几何或属性改动的已入库要素ID，升序
func (b *EditBuffer) ChangedIDs() []int64 {
	set := make(map[int64]bool)
	for id := range b.changedGeo {
		set[id] = true
	}
	for id := range b.changedAtt {
		set[id] = true
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ChangedGeometry 要素待提交的几何改动，无则返回nil
func (b *EditBuffer) ChangedGeometry(id int64) orb.Polygon {
	return b.changedGeo[id]
}

// ChangedAttributes 要素待提交的属性改动，无则返回nil
func (b *EditBuffer) ChangedAttributes(id int64) map[string]interface{} {
	return b.changedAtt[id]
}

// DeletedIDs 待删除的已入库要素ID，升序
func (b *EditBuffer) DeletedIDs() []int64 {
	ids := make([]int64, 0, len(b.deleted))
	for id := range b.deleted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// checkKnown 要素必须存在于缓冲区或底层快照，且未被删除
func (b *EditBuffer) checkKnown(id int64) error {
	if b.deleted[id] {
		return ErrUnknownFeature
	}
	if _, ok := b.added[id]; ok {
		return nil
	}
	if _, err := b.source.Feature(id); err != nil {
		return ErrUnknownFeature
	}
	return nil
}

// overlay 把待提交改动套在已入库要素上
func (b *EditBuffer) overlay(f *models.Feature) *models.Feature {
	nf := f.Clone()
	if geom, ok := b.changedGeo[f.ID]; ok {
		nf.Geometry = geom.Clone()
	}
	if atts, ok := b.changedAtt[f.ID]; ok {
		for k, v := range atts {
			nf.Attributes[k] = v
		}
	}
	return nf
}
