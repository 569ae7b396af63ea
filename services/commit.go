package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/holistech/QGIS/models"
	"github.com/paulmach/orb/encoding/wkb"
	"gorm.io/gorm"
)

// ErrCommitFailed 底层存储回绝了提交事务
var ErrCommitFailed = errors.New("提交事务失败")

// IDRemapping 临时ID到入库ID的映射
type IDRemapping map[int64]int64

// CommitManager 把编辑缓冲区原子地刷入底层存储
// 全部删除、更新、新增在一个事务内完成；新增要素由存储分配
// 正ID，随后同一事务内对溯源字段做临时ID重映射修正——这是
// 纯粹的取值改写，不会重新计算任何表达式
type CommitManager struct {
	db    *gorm.DB
	layer *VectorLayer
}

func NewCommitManager(db *gorm.DB, layer *VectorLayer) *CommitManager {
	return &CommitManager{db: db, layer: layer}
}

// Commit 提交缓冲区，失败时事务整体回滚、缓冲区保持原样
func (m *CommitManager) Commit(buffer *EditBuffer) (IDRemapping, error) {
	if buffer == nil || !buffer.IsOpen() {
		return nil, ErrNotEditable
	}
	remap := IDRemapping{}
	layerName := m.layer.Name

	err := m.db.Transaction(func(tx *gorm.DB) error {
		// 删除
		for _, id := range buffer.DeletedIDs() {
			if err := tx.Where("layer_name = ? AND id = ?", layerName, id).Delete(&models.FeatureRow{}).Error; err != nil {
				return err
			}
		}

		// 更新已入库要素的几何与属性
		changed := buffer.ChangedIDs()
		for _, id := range changed {
			if err := m.applyChanges(tx, buffer, id); err != nil {
				return err
			}
		}

		// 新增，按临时ID分配顺序插入，自增主键给出入库ID
		for _, f := range buffer.AddedInOrder() {
			row, err := models.FeatureToRow(layerName, f)
			if err != nil {
				return err
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			remap[f.ID] = row.ID
		}

		// 重映射修正：本次写入的行中，引用前驱变量的字段若还
		// 持有临时ID，改写为入库ID
		if len(remap) > 0 {
			touched := make([]int64, 0, len(remap)+len(changed))
			for _, id := range remap {
				touched = append(touched, id)
			}
			touched = append(touched, changed...)
			if err := m.rewriteProvenance(tx, touched, remap); err != nil {
				return err
			}
		}

		// 溯源记录与会话状态
		if err := m.writeProvenanceRows(tx, remap); err != nil {
			return err
		}
		if m.layer.session != nil {
			if err := tx.Model(&models.EditSession{}).Where("id = ?", m.layer.session.ID).
				Update("status", models.SessionCommitted).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	// 事务确认成功后才改内存状态，回滚时会话仍是active
	if m.layer.session != nil {
		m.layer.session.Status = models.SessionCommitted
	}
	return remap, nil
}

// applyChanges 把单个要素的缓冲改动写回存储行
func (m *CommitManager) applyChanges(tx *gorm.DB, buffer *EditBuffer, id int64) error {
	var row models.FeatureRow
	if err := tx.Where("layer_name = ? AND id = ?", m.layer.Name, id).First(&row).Error; err != nil {
		return err
	}
	if geom := buffer.ChangedGeometry(id); geom != nil {
		data, err := wkb.Marshal(geom)
		if err != nil {
			return err
		}
		row.Geometry = data
	}
	if atts := buffer.ChangedAttributes(id); atts != nil {
		merged := make(map[string]interface{})
		if len(row.Attributes) > 0 {
			if err := json.Unmarshal(row.Attributes, &merged); err != nil {
				return err
			}
		}
		for k, v := range atts {
			merged[k] = v
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		row.Attributes = data
	}
	return tx.Save(&row).Error
}

// rewriteProvenance 重映射修正遍历
func (m *CommitManager) rewriteProvenance(tx *gorm.DB, ids []int64, remap IDRemapping) error {
	fields := m.layer.provenanceFields()
	if len(fields) == 0 {
		return nil
	}
	for _, id := range ids {
		var row models.FeatureRow
		if err := tx.Where("layer_name = ? AND id = ?", m.layer.Name, id).First(&row).Error; err != nil {
			return err
		}
		atts := make(map[string]interface{})
		if len(row.Attributes) > 0 {
			if err := json.Unmarshal(row.Attributes, &atts); err != nil {
				return err
			}
		}
		dirty := false
		for _, name := range fields {
			if value, changed := remapValue(atts[name], remap); changed {
				atts[name] = value
				dirty = true
			}
		}
		if !dirty {
			continue
		}
		data, err := json.Marshal(atts)
		if err != nil {
			return err
		}
		row.Attributes = data
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// writeProvenanceRows 每个派生要素落一条分割溯源记录
func (m *CommitManager) writeProvenanceRows(tx *gorm.DB, remap IDRemapping) error {
	if len(m.layer.pendingParents) == 0 {
		return nil
	}
	children := make([]int64, 0, len(m.layer.pendingParents))
	for child := range m.layer.pendingParents {
		children = append(children, child)
	}
	sort.Slice(children, func(i, j int) bool { return children[i] > children[j] }) // 临时ID递减即创建顺序

	var sessionID int64
	if m.layer.session != nil {
		sessionID = m.layer.session.ID
	}
	now := ""
	if m.layer.session != nil {
		now = m.layer.session.CreatedAt
	}
	for _, child := range children {
		parent := m.layer.pendingParents[child]
		childID := child
		if real, ok := remap[child]; ok {
			childID = real
		}
		if real, ok := remap[parent]; ok {
			parent = real
		}
		record := &models.SplitProvenance{
			LayerName:     m.layer.Name,
			FeatureID:     childID,
			ParentID:      parent,
			SessionID:     sessionID,
			OperationDate: now,
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}
	}
	return nil
}

// remapValue 取值中的临时ID换成入库ID，支持标量、序列和
// 逗号连接的字符串三种形态
func remapValue(value interface{}, remap IDRemapping) (interface{}, bool) {
	switch v := value.(type) {
	case int64:
		if real, ok := remap[v]; ok {
			return real, true
		}
	case int:
		if real, ok := remap[int64(v)]; ok {
			return real, true
		}
	case float64:
		if v < 0 && v == float64(int64(v)) {
			if real, ok := remap[int64(v)]; ok {
				return real, true
			}
		}
	case []interface{}:
		changed := false
		result := make([]interface{}, len(v))
		for i, item := range v {
			mapped, ok := remapValue(item, remap)
			if ok {
				changed = true
				result[i] = mapped
			} else {
				result[i] = item
			}
		}
		if changed {
			return result, true
		}
	case string:
		parts := strings.Split(v, ",")
		changed := false
		for i, part := range parts {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				continue
			}
			if real, ok := remap[id]; ok {
				parts[i] = strconv.FormatInt(real, 10)
				changed = true
			}
		}
		if changed {
			return strings.Join(parts, ","), true
		}
	}
	return value, false
}
