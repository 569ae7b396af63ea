package routers

import (
	"github.com/gin-gonic/gin"
	"github.com/holistech/QGIS/views"
)

func GeoRouters(r *gin.Engine) {
	LayerController := views.NewLayerController()
	mapRouter := r.Group("/geo")
	{
		mapRouter.POST("/StartEdit", LayerController.StartEdit)
		mapRouter.POST("/SplitFeature", LayerController.SplitFeature)
		mapRouter.POST("/CommitEdit", LayerController.CommitEdit)
		mapRouter.POST("/RollbackEdit", LayerController.RollbackEdit)
		mapRouter.POST("/SetDefaultValue", LayerController.SetDefaultValue)
		mapRouter.GET("/ShowFeatures", LayerController.ShowFeatures)
	}
}
