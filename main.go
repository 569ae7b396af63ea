package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/holistech/QGIS/config"
	"github.com/holistech/QGIS/models"
	"github.com/holistech/QGIS/routers"
)

func main() {
	if err := models.InitDatabase(config.Download, config.Dbname); err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}

	r := gin.Default()
	routers.GeoRouters(r)
	if err := r.Run(config.MainRouter); err != nil {
		log.Fatalf("服务启动失败: %v", err)
	}
}
