package models

// EditSession 编辑会话，追踪一组关联操作
type EditSession struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	LayerName string `gorm:"type:varchar(255);index"`
	Handle    string `gorm:"type:varchar(255)"`
	CreatedAt string `gorm:"type:varchar(255)"`
	Status    string `gorm:"type:varchar(50)"` // active / committed / rolledback
}

const (
	SessionActive     = "active"
	SessionCommitted  = "committed"
	SessionRolledBack = "rolledback"
)

// SplitProvenance 要素分割溯源映射表
// 记录每个派生要素与其分割来源要素的对应关系
type SplitProvenance struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	LayerName     string `gorm:"type:varchar(255);index:idx_layer_feature"`
	FeatureID     int64  `gorm:"index:idx_layer_feature"` // 派生要素的入库ID
	ParentID      int64  // 派生自哪个要素（分割前的原要素）
	SessionID     int64  `gorm:"index"` // 哪个编辑会话产生的
	OperationDate string `gorm:"type:varchar(255)"`
}
