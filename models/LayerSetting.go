package models

// LayerSetting 图层配置
type LayerSetting struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	LayerName    string `gorm:"type:varchar(255);index"`
	GeometryType string `gorm:"type:varchar(50)"` // Polygon / LineString / Point
	Srid         int    `gorm:"default:4326"`
}
