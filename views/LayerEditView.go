package views

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/holistech/QGIS/models"
	"github.com/holistech/QGIS/services"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LayerController 图层编辑接口
// gin并发调用处理函数，图层缓存加锁；图层本身是单写者模型，
// 同一图层的编辑请求需要调用方串行发起
type LayerController struct {
	mu     sync.Mutex
	layers map[string]*services.VectorLayer
}

func NewLayerController() *LayerController {
	return &LayerController{layers: make(map[string]*services.VectorLayer)}
}

// layer 按名称取图层，首次访问时打开
func (lc *LayerController) layer(name string) (*services.VectorLayer, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if layer, ok := lc.layers[name]; ok {
		return layer, nil
	}
	layer, err := services.OpenLayer(models.DB, name)
	if err != nil {
		return nil, err
	}
	lc.layers[name] = layer
	return layer, nil
}

type LayerRequest struct {
	LayerName string `json:"layer_name" binding:"required"`
}

// StartEdit 打开编辑会话
func (lc *LayerController) StartEdit(c *gin.Context) {
	var jsonData LayerRequest
	if err := c.BindJSON(&jsonData); err != nil {
		c.String(http.StatusBadRequest, "err")
		return
	}
	layer, err := lc.layer(jsonData.LayerName)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	handle, err := layer.StartEditing()
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": handle})
}

type SplitRequest struct {
	LayerName        string       `json:"layer_name" binding:"required"`
	Line             [][2]float64 `json:"line" binding:"required"`
	PreserveTopology bool         `json:"preserve_topology"`
}

// SplitFeature 用切割线分割被触及的要素
func (lc *LayerController) SplitFeature(c *gin.Context) {
	var jsonData SplitRequest
	if err := c.BindJSON(&jsonData); err != nil {
		c.String(http.StatusBadRequest, "err")
		return
	}
	layer, err := lc.layer(jsonData.LayerName)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	cut := make(orb.LineString, 0, len(jsonData.Line))
	for _, pt := range jsonData.Line {
		cut = append(cut, orb.Point{pt[0], pt[1]})
	}
	result, err := layer.SplitFeatures(cut, services.SplitOptions{PreserveTopology: jsonData.PreserveTopology})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrNotEditable) || errors.Is(err, services.ErrUnsupportedGeometry) {
			status = http.StatusBadRequest
		}
		c.String(status, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  result.Status,
		"created": result.Created,
	})
}

// CommitEdit 提交编辑会话
func (lc *LayerController) CommitEdit(c *gin.Context) {
	var jsonData LayerRequest
	if err := c.BindJSON(&jsonData); err != nil {
		c.String(http.StatusBadRequest, "err")
		return
	}
	layer, err := lc.layer(jsonData.LayerName)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err := layer.CommitChanges(); err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"committed": true})
}

// RollbackEdit 放弃编辑会话
func (lc *LayerController) RollbackEdit(c *gin.Context) {
	var jsonData LayerRequest
	if err := c.BindJSON(&jsonData); err != nil {
		c.String(http.StatusBadRequest, "err")
		return
	}
	layer, err := lc.layer(jsonData.LayerName)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err := layer.RollBack(); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolledback": true})
}

type DefaultValueRequest struct {
	LayerName     string `json:"layer_name" binding:"required"`
	FieldIndex    int    `json:"field_index"`
	Expression    string `json:"expression"`
	ApplyOnUpdate bool   `json:"apply_on_update"`
	// PredecessorPolicy 前驱序列降为标量的策略：last/first/join
	PredecessorPolicy string `json:"predecessor_policy"`
}

// SetDefaultValue 配置字段默认值表达式
func (lc *LayerController) SetDefaultValue(c *gin.Context) {
	var jsonData DefaultValueRequest
	if err := c.BindJSON(&jsonData); err != nil {
		c.String(http.StatusBadRequest, "err")
		return
	}
	layer, err := lc.layer(jsonData.LayerName)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if jsonData.PredecessorPolicy != "" {
		policy, ok := services.ParsePredecessorPolicy(jsonData.PredecessorPolicy)
		if !ok {
			c.String(http.StatusBadRequest, "未知的前驱映射策略")
			return
		}
		layer.Engine().SetPredecessorPolicy(policy)
	}
	def := models.DefaultValueDefinition{
		Expression:    jsonData.Expression,
		ApplyOnUpdate: jsonData.ApplyOnUpdate,
	}
	if err := layer.SetDefaultValueDefinition(jsonData.FieldIndex, def); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ShowFeatures 图层要素输出为GeoJSON，编辑中时含缓冲区改动
func (lc *LayerController) ShowFeatures(c *gin.Context) {
	name := c.Query("layer_name")
	layer, err := lc.layer(name)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	features, err := layer.GetFeatures()
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	collection := geojson.NewFeatureCollection()
	for _, f := range features {
		feature := geojson.NewFeature(f.Geometry)
		feature.ID = f.ID
		for k, v := range f.Attributes {
			feature.Properties[k] = v
		}
		feature.Properties["id"] = f.ID
		collection.Append(feature)
	}
	c.JSON(http.StatusOK, collection)
}
