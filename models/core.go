package models

import (
	"log"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// OpenDatabase 打开指定路径的SQLite数据库并迁移表结构
func OpenDatabase(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Printf("连接数据库失败: %v", err)
		return nil, err
	}

	// 自动迁移，创建表结构
	if err := db.AutoMigrate(&FeatureRow{}, &LayerField{}, &LayerSetting{}, &EditSession{}, &SplitProvenance{}); err != nil {
		log.Printf("数据库迁移失败: %v", err)
		return nil, err
	}
	return db, nil
}

// InitDatabase 初始化全局SQLite数据库
func InitDatabase(storagePath string, dbFileName string) error {
	if err := os.MkdirAll(storagePath, os.ModePerm); err != nil {
		log.Printf("创建存储目录失败: %v", err)
		return err
	}

	dbPath := filepath.Join(storagePath, dbFileName)
	log.Printf("数据库路径: %s", dbPath)

	var err error
	DB, err = OpenDatabase(dbPath)
	if err != nil {
		return err
	}

	log.Println("数据库初始化成功")
	return nil
}

func GetDB() *gorm.DB {
	return DB
}
