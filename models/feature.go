package models

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"gorm.io/datatypes"
)

// NullFeatureID 无效要素ID哨兵值，临时ID从-2开始递减
const NullFeatureID int64 = -1

// Feature 内存中的矢量要素
// ID为正表示已入库，为负表示编辑会话内的临时要素
type Feature struct {
	ID         int64
	Geometry   orb.Polygon
	Attributes map[string]interface{}
}

// Clone 深拷贝要素（几何与属性均复制）
func (f *Feature) Clone() *Feature {
	nf := &Feature{
		ID:         f.ID,
		Geometry:   f.Geometry.Clone(),
		Attributes: make(map[string]interface{}, len(f.Attributes)),
	}
	for k, v := range f.Attributes {
		nf.Attributes[k] = v
	}
	return nf
}

// FeatureRow 要素持久化行，几何以WKB存储，属性以JSON存储
type FeatureRow struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	LayerName  string         `gorm:"type:varchar(255);index"`
	Geometry   []byte         `gorm:"type:blob"`
	Attributes datatypes.JSON `gorm:"type:jsonb"`
}

// ToFeature 行转要素
func (r *FeatureRow) ToFeature() (*Feature, error) {
	geom, err := wkb.Unmarshal(r.Geometry)
	if err != nil {
		return nil, fmt.Errorf("解析WKB失败: %w", err)
	}
	poly, ok := geom.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("要素%d不是面状几何", r.ID)
	}
	atts := make(map[string]interface{})
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &atts); err != nil {
			return nil, fmt.Errorf("解析属性JSON失败: %w", err)
		}
	}
	return &Feature{ID: r.ID, Geometry: poly, Attributes: atts}, nil
}

// FeatureToRow 要素转行，临时ID不写入主键
func FeatureToRow(layerName string, f *Feature) (*FeatureRow, error) {
	data, err := wkb.Marshal(f.Geometry)
	if err != nil {
		return nil, fmt.Errorf("编码WKB失败: %w", err)
	}
	atts, err := json.Marshal(f.Attributes)
	if err != nil {
		return nil, fmt.Errorf("编码属性JSON失败: %w", err)
	}
	row := &FeatureRow{LayerName: layerName, Geometry: data, Attributes: atts}
	if f.ID > 0 {
		row.ID = f.ID
	}
	return row, nil
}
